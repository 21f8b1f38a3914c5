package backup

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattventura/ceph-to-zfs/rbdsrc"
	"github.com/mattventura/ceph-to-zfs/status"
	"github.com/mattventura/ceph-to-zfs/zfsvol"
)

// fakeImage is a sourceImage test double driving Image.Run and copyExtents
// against synthetic snapshot/extent data instead of a live Ceph image
// (spec.md §8, properties P2-P5 and scenarios A-F).
type fakeImage struct {
	name string

	snaps    []rbdsrc.SnapshotRecord
	listErr  error
	setErr   error
	createErr error
	createdSnapshots []string

	size    uint64
	sizeErr error

	extents []rbdsrc.DiffExtent
	diffErr error
	readErr error
	fillByte byte

	// onExtent, if set, is invoked once per extent before it is served to
	// the caller - used to simulate concurrent in-flight work for the
	// worker-pool concurrency bound test.
	onExtent func()
}

func (f *fakeImage) Name() string { return f.name }
func (f *fakeImage) Close() error { return nil }

func (f *fakeImage) ListSnapshots() ([]rbdsrc.SnapshotRecord, error) {
	return f.snaps, f.listErr
}

func (f *fakeImage) CreateSnapshot(name string) error {
	f.createdSnapshots = append(f.createdSnapshots, name)
	return f.createErr
}

func (f *fakeImage) SetSnapshot(name string) error { return f.setErr }

func (f *fakeImage) Size() (uint64, error) { return f.size, f.sizeErr }

func (f *fakeImage) ReadAt(buf []byte, offset int64) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	for i := range buf {
		buf[i] = f.fillByte
	}
	return len(buf), nil
}

func (f *fakeImage) DiffIterate(from *string, cb rbdsrc.DiffIterateCallback) error {
	if f.diffErr != nil {
		return f.diffErr
	}
	for _, ext := range f.extents {
		if f.onExtent != nil {
			f.onExtent()
		}
		if err := cb(ext); err != nil {
			return err
		}
	}
	return nil
}

// fakeDest is a destDataset test double. devicePath must name a real,
// pre-created file so Image.Run's real unix.Open/Pwrite/Fsync calls have
// something to operate against - no separate device-open seam is needed
// since a regular file supports the same pread/pwrite/fsync calls a zvol
// device node does.
type fakeDest struct {
	snaps    []zfsvol.Snapshot
	snapsErr error

	prepareErr error
	preparedBasis *string

	zeroErr    error
	zeroCalled bool

	devicePath string

	createErr       error
	createdSnapshot string
}

func (f *fakeDest) AllSnapshots() ([]zfsvol.Snapshot, error) { return f.snaps, f.snapsErr }

func (f *fakeDest) Prepare(basis *string, requiredSize uint64) error {
	f.preparedBasis = basis
	return f.prepareErr
}

func (f *fakeDest) ZeroFull(size uint64) error {
	f.zeroCalled = true
	return f.zeroErr
}

func (f *fakeDest) DeviceNode() string { return f.devicePath }

func (f *fakeDest) CreateSnapshot(shortName string) error {
	f.createdSnapshot = shortName
	return f.createErr
}

// newFakeDevice creates a real, empty backing file so tests can exercise
// Image.Run's real device I/O path without a live zvol.
func newFakeDevice(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "fakezvol")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

// noopSink discards status log lines, keeping test output quiet.
func noopSink(path []string, message string) {}

func newTestRoot() *status.Node {
	return status.NewRoot("test", noopSink)
}
