package backup

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mattventura/ceph-to-zfs/imagefilter"
	"github.com/mattventura/ceph-to-zfs/rbdsrc"
	"github.com/mattventura/ceph-to-zfs/status"
	"github.com/mattventura/ceph-to-zfs/zfsvol"
)

// poolConcurrency is the fixed worker count spec.md §4.5 mandates: "exactly
// 2 concurrent workers". Kept low deliberately - each task drives
// high-throughput block I/O against one shared cluster and destination pool.
const poolConcurrency = 2

// poolSource is the subset of *rbdsrc.Pool the dispatch loop depends on,
// seamed for the same reason as sourceImage in image.go: so the enumerate/
// filter/dispatch/failure-isolation path can be driven against a fake pool
// in tests (spec.md §8, P7 and the failure-isolation scenarios).
type poolSource interface {
	ImageNames() ([]string, error)
	OpenImage(name string) (sourceImage, error)
}

// rbdPoolAdapter narrows *rbdsrc.Pool's OpenImage return type to
// sourceImage. A *rbdsrc.Image already has every sourceImage method, but Go
// interface satisfaction requires identical method signatures rather than
// covariant return types, so OpenImage's concrete *rbdsrc.Image result needs
// this one-line conversion at the boundary.
type rbdPoolAdapter struct{ pool *rbdsrc.Pool }

func (a rbdPoolAdapter) ImageNames() ([]string, error) { return a.pool.ImageNames() }

func (a rbdPoolAdapter) OpenImage(name string) (sourceImage, error) {
	return a.pool.OpenImage(name)
}

// destFactory builds the per-image destDataset seam, mirroring
// rbdPoolAdapter on the destination side.
type destFactory interface {
	forImage(node *status.Node, name string) destDataset
}

type zfsContextAdapter struct{ base *zfsvol.Context }

func (a zfsContextAdapter) forImage(node *status.Node, name string) destDataset {
	return zfsvol.NewDatasetContext(node, a.base, name)
}

// Pool runs the Image Backup Procedure, bounded to poolConcurrency
// goroutines, over every image in one Ceph pool that the filter accepts
// (spec.md §4.5).
type Pool struct {
	status.Loggable

	rbdPool              poolSource
	destBase             destFactory
	filter               imagefilter.Filter
	zeroBeforeFullBackup bool
}

// NewPool binds a status node, an open pool I/O context, the ZFS
// destination root for this pool, the configured image filter, and whether
// a no-basis copy should zero the destination's full range first (spec.md
// §9, "Full-backup zeroing").
func NewPool(node *status.Node, rbdPool *rbdsrc.Pool, destBase *zfsvol.Context, filter imagefilter.Filter, zeroBeforeFullBackup bool) *Pool {
	return newPool(node, rbdPoolAdapter{rbdPool}, zfsContextAdapter{destBase}, filter, zeroBeforeFullBackup)
}

// newPool is the seam NewPool funnels through, accepting the narrow
// interfaces directly so tests can construct a Pool against fakes.
func newPool(node *status.Node, rbdPool poolSource, destBase destFactory, filter imagefilter.Filter, zeroBeforeFullBackup bool) *Pool {
	if filter == nil {
		filter = imagefilter.AcceptAll
	}
	return &Pool{Loggable: status.Loggable{Node: node}, rbdPool: rbdPool, destBase: destBase, filter: filter, zeroBeforeFullBackup: zeroBeforeFullBackup}
}

// Run enumerates, filters, and dispatches images, waiting for all of them to
// finish before returning (spec.md §4.5: "no cancellation of queued tasks").
// Each task's failure is caught and recorded on its own node; Run itself
// never returns a per-image error.
func (p *Pool) Run() error {
	p.LogStatus("Enumerating images", status.InProgress)

	names, err := p.rbdPool.ImageNames()
	if err != nil {
		p.LogStatus(fmt.Sprintf("listing images: %v", err), status.Failed)
		return err
	}

	var accepted []string
	for _, n := range names {
		if p.filter.Accepts(n) {
			accepted = append(accepted, n)
		}
	}
	p.Logf("%d of %d images selected for backup", len(accepted), len(names))

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(poolConcurrency)

	for _, name := range accepted {
		name := name
		imgNode := p.Node.Child(name, true)
		g.Go(func() error {
			runImageTask(imgNode, p.rbdPool, p.destBase, name, p.zeroBeforeFullBackup)
			return nil
		})
	}
	// errgroup.Wait only ever returns an error from a task's returned error;
	// the tasks themselves never return one (failure isolation happens
	// inside runImageTask), so this is always nil.
	_ = g.Wait()

	p.LogStatus("Finished pool", status.Success)
	return nil
}

// runImageTask opens the source image, runs the procedure, and is solely
// responsible for turning its returned error into a terminal status on
// node - the procedure itself never does, so one failing image never
// aborts sibling images (spec.md §4.5, §7).
func runImageTask(node *status.Node, rbdPool poolSource, destBase destFactory, name string, zeroBeforeFullBackup bool) {
	src, err := rbdPool.OpenImage(name)
	if err != nil {
		node.LogStatus(fmt.Sprintf("opening source image: %v", err), status.Failed)
		return
	}
	defer src.Close()

	dest := destBase.forImage(node, name)
	proc := newImage(node, src, dest)
	proc.zeroBeforeFullBackup = zeroBeforeFullBackup

	counters, err := proc.Run()
	if err != nil {
		node.LogStatus(fmt.Sprintf("Failed: %v (%d/%d bytes written)", err, counters.WrittenBytes, counters.RequestedBytes), status.Failed)
		return
	}
	node.LogStatus(fmt.Sprintf("Success: %d/%d bytes written", counters.WrittenBytes, counters.RequestedBytes), status.Success)
}
