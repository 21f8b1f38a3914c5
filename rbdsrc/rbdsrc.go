// Package rbdsrc implements the RBD Facade (spec.md, Component Design §4,
// "RBD Facade" row) on top of github.com/ceph/go-ceph, the same binding
// vendored by ceph-csi (see other_examples/*ceph-csi*vendor-...rbd*.go in
// the retrieval pack).
package rbdsrc

import (
	"fmt"

	"github.com/ceph/go-ceph/rados"
	"github.com/ceph/go-ceph/rbd"
)

// Cluster is a scoped acquisition of a Ceph cluster connection
// (spec.md §3, Cluster handle).
type Cluster struct {
	conn *rados.Conn
}

// Connect opens a cluster handle with the given auth name, config file, and
// cluster name (spec.md §6 defaults: client.admin, /etc/ceph/ceph.conf,
// ceph).
func Connect(authName, confFile, clusterName string) (*Cluster, error) {
	conn, err := rados.NewConnWithClusterAndUser(clusterName, authName)
	if err != nil {
		return nil, fmt.Errorf("initializing rados connection: %w", err)
	}
	if err := conn.ReadConfigFile(confFile); err != nil {
		return nil, fmt.Errorf("reading ceph config %s: %w", confFile, err)
	}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to cluster %s: %w", clusterName, err)
	}
	return &Cluster{conn: conn}, nil
}

// Shutdown releases the cluster handle. Callers scope it to a job,
// releasing on completion or failure (spec.md §3).
func (c *Cluster) Shutdown() {
	c.conn.Shutdown()
}

// OpenPool opens an I/O context against a named pool (spec.md §3, Pool
// context).
func (c *Cluster) OpenPool(name string) (*Pool, error) {
	ioctx, err := c.conn.OpenIOContext(name)
	if err != nil {
		return nil, fmt.Errorf("opening pool %s: %w", name, err)
	}
	return &Pool{ioctx: ioctx}, nil
}

// Pool is a scoped I/O context, opened for the duration of one pool's
// backup pass (spec.md §3, Pool context).
type Pool struct {
	ioctx *rados.IOContext
}

// Close releases the I/O context.
func (p *Pool) Close() {
	p.ioctx.Destroy()
}

// ImageNames enumerates every RBD image in the pool.
func (p *Pool) ImageNames() ([]string, error) {
	names, err := rbd.GetImageNames(p.ioctx)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	return names, nil
}

// OpenImage opens name for read-write (spec.md §3, Image handle:
// "a read/write handle").
func (p *Pool) OpenImage(name string) (*Image, error) {
	img, err := rbd.OpenImage(p.ioctx, name, rbd.NoSnapshot)
	if err != nil {
		return nil, fmt.Errorf("opening image %s: %w", name, err)
	}
	return &Image{img: img, name: name}, nil
}

// SnapshotRecord is the immutable (name, id, size) tuple spec.md §3 calls
// the Source snapshot record.
type SnapshotRecord struct {
	Name string
	ID   uint64
	Size uint64
}

// Image is a read/write handle to a named RBD image (spec.md §3).
type Image struct {
	img  *rbd.Image
	name string
}

// Name is the image's name within its pool.
func (i *Image) Name() string {
	return i.name
}

// Close releases the image handle.
func (i *Image) Close() error {
	return i.img.Close()
}

// ListSnapshots enumerates the image's snapshots in the library's native
// order (spec.md §3: "Ordering is the image's native order").
func (i *Image) ListSnapshots() ([]SnapshotRecord, error) {
	infos, err := i.img.GetSnapshotNames()
	if err != nil {
		return nil, fmt.Errorf("listing snapshots of %s: %w", i.name, err)
	}
	out := make([]SnapshotRecord, len(infos))
	for idx, s := range infos {
		out[idx] = SnapshotRecord{Name: s.Name, ID: s.Id, Size: s.Size}
	}
	return out, nil
}

// CreateSnapshot creates a new snapshot named name on the image (spec.md
// §4.4 step 4).
func (i *Image) CreateSnapshot(name string) error {
	if _, err := i.img.CreateSnapshot(name); err != nil {
		return fmt.Errorf("creating snapshot %s on %s: %w", name, i.name, err)
	}
	return nil
}

// SetSnapshot pins subsequent reads and diffs to the named snapshot
// (spec.md §4.4 step 4).
func (i *Image) SetSnapshot(name string) error {
	if err := i.img.SetSnapshot(name); err != nil {
		return fmt.Errorf("pinning snapshot %s on %s: %w", name, i.name, err)
	}
	return nil
}

// Size returns the currently pinned image's size in bytes (spec.md §4.4
// step 5).
func (i *Image) Size() (uint64, error) {
	size, err := i.img.GetSize()
	if err != nil {
		return 0, fmt.Errorf("reading size of %s: %w", i.name, err)
	}
	return size, nil
}

// ReadAt reads len(buf) bytes at offset from the pinned snapshot, with no
// read flags (spec.md §4.4 step 8).
func (i *Image) ReadAt(buf []byte, offset int64) (int, error) {
	n, err := i.img.ReadAt(buf, offset)
	if err != nil {
		return n, fmt.Errorf("reading %d bytes at %d from %s: %w", len(buf), offset, i.name, err)
	}
	return n, nil
}

// DiffExtent is one callback invocation from DiffIterate: a byte range that
// differs between the basis and the pinned snapshot, and whether that
// range is allocated ("exists") on the source (spec.md §4.4 step 8).
type DiffExtent struct {
	Offset uint64
	Length uint64
	Exists bool
}

// DiffIterateCallback is invoked once per extent; the iterator aborts on
// the first non-nil error it returns (spec.md §4.4 step 8, "re-raise so
// the iterator aborts").
type DiffIterateCallback func(DiffExtent) error

// maxDiffLength is 2^62 - 1 (spec.md §4.4 step 8: "Length can be larger
// than needed").
const maxDiffLength = (uint64(1) << 62) - 1

// DiffIterate drives a differential read of the pinned image against
// fromSnapshot (nil for a full backup), invoking cb once per differing
// extent (spec.md §4.4 step 8).
func (i *Image) DiffIterate(fromSnapshot *string, cb DiffIterateCallback) error {
	cfg := rbd.DiffIterateConfig{
		Offset:        0,
		Length:        maxDiffLength,
		IncludeParent: true,
		WholeObject:   false,
		Callback: func(offset, length uint64, exists bool, data interface{}) int {
			if err := cb(DiffExtent{Offset: offset, Length: length, Exists: exists}); err != nil {
				return -1
			}
			return 0
		},
	}
	if fromSnapshot != nil {
		cfg.SnapName = *fromSnapshot
	}
	if err := i.img.DiffIterate(cfg); err != nil {
		return fmt.Errorf("diff-iterate on %s: %w", i.name, err)
	}
	return nil
}
