// Package backup implements the Image Backup Procedure (spec.md §4.4) and
// the Pool Worker Pool (spec.md §4.5).
package backup

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mattventura/ceph-to-zfs/rbdsrc"
	"github.com/mattventura/ceph-to-zfs/status"
	"github.com/mattventura/ceph-to-zfs/zfsvol"
)

// snapshotTimeLayout produces names of the form ctz-YYYY-MM-DD-HH:MM:SS in
// UTC (spec.md §3, Snapshot-name convention).
const snapshotTimeLayout = "2006-01-02-15:04:05"

// NewSnapshotName composes a new snapshot name stamped at now, in UTC.
func NewSnapshotName(now time.Time) string {
	return "ctz-" + now.UTC().Format(snapshotTimeLayout)
}

// extentFailure records one failed extent copy (spec.md §4.4 step 8, §7).
type extentFailure struct {
	Offset uint64
	Length uint64
	Err    error
}

// Counters are the per-image byte counts reported alongside a terminal
// status (spec.md §4.4 steps 8 and 10).
type Counters struct {
	RequestedBytes uint64
	WrittenBytes   uint64
}

// sourceImage is the subset of *rbdsrc.Image the procedure depends on. It
// exists so tests can drive Run/copyExtents against a fake source instead of
// a live Ceph cluster (spec.md §8, properties P2-P5 and P7).
type sourceImage interface {
	Name() string
	Close() error
	ListSnapshots() ([]rbdsrc.SnapshotRecord, error)
	CreateSnapshot(name string) error
	SetSnapshot(name string) error
	Size() (uint64, error)
	ReadAt(buf []byte, offset int64) (int, error)
	DiffIterate(fromSnapshot *string, cb rbdsrc.DiffIterateCallback) error
}

// destDataset is the subset of *zfsvol.DatasetContext the procedure depends
// on, for the same reason as sourceImage.
type destDataset interface {
	AllSnapshots() ([]zfsvol.Snapshot, error)
	Prepare(basis *string, requiredSize uint64) error
	ZeroFull(size uint64) error
	DeviceNode() string
	CreateSnapshot(shortName string) error
}

// devOpener abstracts opening the destination device node for read-write.
// newImage installs openRealDevice; the tests keep it and point it at a
// regular temporary file.
type devOpener func(path string) (fd int, closeFunc func() error, err error)

// openRealDevice opens path with golang.org/x/sys/unix, matching spec.md
// §4.4 step 7's "buffer size = 0; reads and writes go directly to the
// kernel".
func openRealDevice(path string) (int, func() error, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return 0, nil, err
	}
	return fd, func() error { return unix.Close(fd) }, nil
}

// Image drives one image's backup through to a terminal status on node
// (spec.md §4.4). It is constructed fresh per run and never shared across
// goroutines (spec.md §5, "private to a single image procedure").
type Image struct {
	status.Loggable

	src  sourceImage
	dest destDataset
	now  func() time.Time
	open devOpener

	// zeroBeforeFullBackup opts into zeroing the destination's full range
	// before a no-basis copy (spec.md §9, "Full-backup zeroing"). Set by
	// the Pool Worker Pool from its PoolConfig.
	zeroBeforeFullBackup bool
}

// NewImage binds a status node, an opened source image handle, and the
// destination dataset context for one RBD image.
func NewImage(node *status.Node, src *rbdsrc.Image, dest *zfsvol.DatasetContext) *Image {
	return newImage(node, src, dest)
}

// newImage is the seam NewImage funnels through: it accepts the
// narrow interfaces directly, so tests can construct an Image against fakes
// without an rbdsrc/zfsvol dependency.
func newImage(node *status.Node, src sourceImage, dest destDataset) *Image {
	return &Image{Loggable: status.Loggable{Node: node}, src: src, dest: dest, now: time.Now, open: openRealDevice}
}

// Run executes the full procedure (spec.md §4.4, steps 1-11) and returns the
// byte counters alongside any error. Run only ever sets non-terminal
// progress statuses on its node (Preparing, In_Progress, Finishing); turning
// the returned error into a terminal Failed/Success status is the caller's
// responsibility (spec.md's two-layer exception shape - see DESIGN.md).
func (img *Image) Run() (Counters, error) {
	var counters Counters

	img.LogStatus("Enumerating snapshots", status.Preparing)

	srcSnaps, err := img.src.ListSnapshots()
	if err != nil {
		img.Logf("listing source snapshots: %v", err)
		return counters, err
	}
	destSnaps, err := img.dest.AllSnapshots()
	if err != nil {
		img.Logf("listing destination snapshots: %v", err)
		return counters, err
	}

	basis := chooseBasis(srcSnaps, destSnaps)

	newName := NewSnapshotName(img.now())

	img.LogStatus("Pinning source snapshot "+newName, status.InProgress)
	if err := img.src.CreateSnapshot(newName); err != nil {
		img.Logf("creating source snapshot: %v", err)
		return counters, err
	}
	if err := img.src.SetSnapshot(newName); err != nil {
		img.Logf("pinning source snapshot: %v", err)
		return counters, err
	}

	requiredSize, err := img.src.Size()
	if err != nil {
		img.Logf("measuring pinned image size: %v", err)
		return counters, err
	}

	img.Logf("Basis %v, required size %d", basis, requiredSize)
	if err := img.dest.Prepare(basis, requiredSize); err != nil {
		img.Logf("preparing destination: %v", err)
		return counters, err
	}

	if basis == nil && img.zeroBeforeFullBackup {
		img.LogStatus("Zeroing destination before full backup", status.InProgress)
		if err := img.dest.ZeroFull(requiredSize); err != nil {
			img.Logf("zeroing destination: %v", err)
			return counters, err
		}
	}

	devPath := img.dest.DeviceNode()
	fd, closeDev, err := img.open(devPath)
	if err != nil {
		img.Logf("opening device %s: %v", devPath, err)
		return counters, fmt.Errorf("opening device %s: %w", devPath, err)
	}
	defer closeDev()

	img.LogStatus("Copying differing extents", status.InProgress)
	var failures []extentFailure
	counters, failures = img.copyExtents(fd, basis)

	if err := unix.Fsync(fd); err != nil {
		failures = append(failures, extentFailure{Err: err})
	}

	if len(failures) > 0 {
		img.Logf("copy failed: %d/%d bytes written, %d extent failure(s)",
			counters.WrittenBytes, counters.RequestedBytes, len(failures))
		return counters, fmt.Errorf("%d extent failures copying %s", len(failures), img.src.Name())
	}

	img.LogStatus("Finishing", status.Finishing)
	if err := img.dest.CreateSnapshot(newName); err != nil {
		img.Logf("creating destination snapshot: %v", err)
		return counters, err
	}

	return counters, nil
}

// copyExtents drives the diff iterator, performing a read and a positioned
// unbuffered write (pwrite) per reported extent (spec.md §4.4 step 8); Run
// fsyncs the device once after the iterator returns. The callback context
// (fd, src, counters) is local to this call, never shared across threads
// (spec.md §9, "Callback-driven I/O").
func (img *Image) copyExtents(fd int, basis *string) (Counters, []extentFailure) {
	var counters Counters
	var failures []extentFailure

	buf := make([]byte, 0)
	err := img.src.DiffIterate(basis, func(ext rbdsrc.DiffExtent) error {
		counters.RequestedBytes += ext.Length
		// Always read and write, regardless of ext.Exists: librbd returns
		// zero bytes for a hole, and the destination must be explicitly
		// zeroed there too, or a region written in the basis and since
		// freed would keep its stale basis-snapshot bytes (spec.md §4.4
		// step 8; original's callback_inner never branches on exists).
		if uint64(len(buf)) < ext.Length {
			buf = make([]byte, ext.Length)
		}
		chunk := buf[:ext.Length]

		n, err := img.src.ReadAt(chunk, int64(ext.Offset))
		if err != nil {
			failures = append(failures, extentFailure{Offset: ext.Offset, Length: ext.Length, Err: err})
			img.Logf("read failed at [%d, %d): %v", ext.Offset, ext.Offset+ext.Length, err)
			return err
		}

		if _, err := unix.Pwrite(fd, chunk[:n], int64(ext.Offset)); err != nil {
			failures = append(failures, extentFailure{Offset: ext.Offset, Length: ext.Length, Err: err})
			img.Logf("write failed at [%d, %d): %v", ext.Offset, ext.Offset+ext.Length, err)
			return err
		}

		counters.WrittenBytes += ext.Length
		return nil
	})
	if err != nil && len(failures) == 0 {
		failures = append(failures, extentFailure{Err: err})
	}
	return counters, failures
}

// chooseBasis implements spec.md §4.4 steps 1-2 / P1: the last element of
// destination order whose name is also present in source, or nil.
func chooseBasis(src []rbdsrc.SnapshotRecord, dest []zfsvol.Snapshot) *string {
	srcNames := make(map[string]struct{}, len(src))
	for _, s := range src {
		srcNames[s.Name] = struct{}{}
	}
	for i := len(dest) - 1; i >= 0; i-- {
		name := dest[i].ShortName()
		if _, ok := srcNames[name]; ok {
			return &name
		}
	}
	return nil
}
