package zfsvol

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mattventura/ceph-to-zfs/status"
)

// zeroChunkSize bounds the size of each zero-filled write ZeroFull issues,
// so a multi-gigabyte volume is zeroed in bounded memory.
const zeroChunkSize = 4 << 20

// DatasetContext binds one RBD image's name to a pool-scoped Context,
// giving the Image Backup Procedure (spec.md §4.4) everything it needs at
// {base}/{image_name}.
type DatasetContext struct {
	status.Loggable

	base *Context
	Name string
}

// NewDatasetContext binds name to base, logging through node.
func NewDatasetContext(node *status.Node, base *Context, name string) *DatasetContext {
	return &DatasetContext{Loggable: status.Loggable{Node: node}, base: base, Name: name}
}

// ZfsPath is the destination dataset's full ZFS path.
func (d *DatasetContext) ZfsPath() string {
	return d.base.Base + "/" + d.Name
}

// DeviceNode is the destination device node's OS path, valid only once the
// dataset exists.
func (d *DatasetContext) DeviceNode() string {
	return DeviceNode(d.ZfsPath())
}

// AllSnapshots returns the destination dataset's snapshots, ascending by
// creation time, or an empty slice if the dataset does not yet exist
// (spec.md §3).
func (d *DatasetContext) AllSnapshots() ([]Snapshot, error) {
	ds, ok, err := d.base.Child(d.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return ds.Snapshots()
}

// Prepare implements spec.md §4.3: ensure the destination zvol exists at
// the required size, optionally rolled back to basis.
func (d *DatasetContext) Prepare(basis *string, requiredSize uint64) error {
	d.SetStatus("Preparing Target Zvol")

	ds, exists, err := d.base.Child(d.Name)
	if err != nil {
		return err
	}

	if !exists {
		d.SetStatus("Creating Target Zvol")
		d.Logf("Dataset %s does not exist - creating", d.ZfsPath())
		ds, err = d.base.CreateChildVolume(d.Name, requiredSize)
		if err != nil {
			return err
		}
		dev := d.DeviceNode()
		d.Logf("Created %s, waiting for %s to exist...", d.ZfsPath(), dev)
		if err := WaitForDeviceNode(dev); err != nil {
			return fmt.Errorf("waiting for device node: %w", err)
		}
	} else if !ds.IsVolume() {
		return fmt.Errorf("dataset for %s exists but is not a volume", d.ZfsPath())
	}

	if basis != nil {
		d.SetStatus("Rolling Zvol back to snapshot")
		snap, err := ds.SnapshotByName(*basis)
		if err != nil {
			return err
		}
		d.Logf("Rolling back to %s", snap.FullName)
		if err := Rollback(snap); err != nil {
			return err
		}
	}

	existingSize, err := ds.VolSize()
	if err != nil {
		return err
	}
	if existingSize < requiredSize {
		d.SetStatus("Expanding Zvol")
		d.Logf("Resizing volume from %d to %d (increase of %d B)", existingSize, requiredSize, requiredSize-existingSize)
		if err := ds.SetVolSize(requiredSize); err != nil {
			return err
		}
	}

	return nil
}

// ZeroFull overwrites the destination device's first size bytes with
// zeroes. Used as the opt-in policy spec.md §9's "Full-backup zeroing"
// open question describes for a no-basis copy: since the diff iterator
// only reports regions the source considers allocated, any stale bytes
// left over from a prior image at this path would otherwise survive in
// unreported regions.
func (d *DatasetContext) ZeroFull(size uint64) error {
	d.SetStatus("Zeroing Zvol before full backup")
	fd, err := unix.Open(d.DeviceNode(), unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening device %s for zeroing: %w", d.DeviceNode(), err)
	}
	defer unix.Close(fd)

	zeros := make([]byte, zeroChunkSize)
	var written uint64
	for written < size {
		n := zeroChunkSize
		if remaining := size - written; remaining < uint64(n) {
			n = int(remaining)
		}
		if _, err := unix.Pwrite(fd, zeros[:n], int64(written)); err != nil {
			return fmt.Errorf("zeroing device %s at offset %d: %w", d.DeviceNode(), written, err)
		}
		written += uint64(n)
	}
	return unix.Fsync(fd)
}

// CreateSnapshot creates {ZfsPath}@{shortName} once the copy is complete
// (spec.md §4.2, §4.4 step 11).
func (d *DatasetContext) CreateSnapshot(shortName string) error {
	ds, exists, err := d.base.Child(d.Name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("dataset %s vanished before finalize snapshot", d.ZfsPath())
	}
	return ds.CreateSnapshot(shortName)
}
