package backup

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattventura/ceph-to-zfs/imagefilter"
	"github.com/mattventura/ceph-to-zfs/rbdsrc"
	"github.com/mattventura/ceph-to-zfs/status"
)

// fakePoolSource is a poolSource test double over synthetic image names.
type fakePoolSource struct {
	names    []string
	namesErr error
	open     func(name string) (sourceImage, error)
}

func (f *fakePoolSource) ImageNames() ([]string, error) { return f.names, f.namesErr }

func (f *fakePoolSource) OpenImage(name string) (sourceImage, error) {
	return f.open(name)
}

// fakeDestFactory is a destFactory test double handing back whatever
// destDataset the test supplies per image.
type fakeDestFactory struct {
	build func(node *status.Node, name string) destDataset
}

func (f *fakeDestFactory) forImage(node *status.Node, name string) destDataset {
	return f.build(node, name)
}

func newFakePoolDest(t *testing.T) destDataset {
	return &fakeDest{devicePath: newFakeDevice(t)}
}

// TestPoolRunOnlyDispatchesAcceptedImages covers the image filter's
// integration with dispatch (spec.md §4.7, §4.5).
func TestPoolRunOnlyDispatchesAcceptedImages(t *testing.T) {
	var mu sync.Mutex
	var opened []string

	src := &fakePoolSource{
		names: []string{"keep-1", "drop-1", "keep-2"},
		open: func(name string) (sourceImage, error) {
			mu.Lock()
			opened = append(opened, name)
			mu.Unlock()
			return &fakeImage{name: name, size: 0}, nil
		},
	}
	dest := &fakeDestFactory{build: func(node *status.Node, name string) destDataset { return newFakePoolDest(t) }}

	filter, err := imagefilter.Regex("^keep")
	require.NoError(t, err)

	p := newPool(newTestRoot(), src, dest, filter, false)
	require.NoError(t, p.Run())

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"keep-1", "keep-2"}, opened)
}

// TestPoolRunIsolatesImageFailures covers spec.md §4.5/§7: one image's
// failure is recorded on its own node and never aborts its siblings.
func TestPoolRunIsolatesImageFailures(t *testing.T) {
	root := newTestRoot()
	src := &fakePoolSource{
		names: []string{"good", "bad"},
		open: func(name string) (sourceImage, error) {
			if name == "bad" {
				return &fakeImage{
					name:    name,
					size:    4,
					extents: []rbdsrc.DiffExtent{{Offset: 0, Length: 4, Exists: true}},
					readErr: errors.New("simulated extent read failure"),
				}, nil
			}
			return &fakeImage{name: name, size: 4, extents: []rbdsrc.DiffExtent{{Offset: 0, Length: 4, Exists: true}}}, nil
		},
	}
	dest := &fakeDestFactory{build: func(node *status.Node, name string) destDataset { return newFakePoolDest(t) }}

	p := newPool(root, src, dest, nil, false)
	require.NoError(t, p.Run())

	statuses := map[string]status.TaskStatus{}
	for _, c := range root.Children() {
		statuses[c.Name()] = c.StatusType()
	}
	require.Equal(t, status.Success, statuses["good"])
	require.Equal(t, status.Failed, statuses["bad"])
	// Invariant 5: a parent transitioning to Success while any child is bad
	// is coerced to ChildrenFailed - the pool node itself must reflect that.
	require.Equal(t, status.ChildrenFailed, root.StatusType())
}

// TestPoolRunOpenImageFailureIsolated covers the same failure-isolation
// contract for a failure at image-open time rather than mid-copy.
func TestPoolRunOpenImageFailureIsolated(t *testing.T) {
	root := newTestRoot()
	src := &fakePoolSource{
		names: []string{"good", "unopenable"},
		open: func(name string) (sourceImage, error) {
			if name == "unopenable" {
				return nil, errors.New("simulated open failure")
			}
			return &fakeImage{name: name, size: 4, extents: []rbdsrc.DiffExtent{{Offset: 0, Length: 4, Exists: true}}}, nil
		},
	}
	dest := &fakeDestFactory{build: func(node *status.Node, name string) destDataset { return newFakePoolDest(t) }}

	p := newPool(root, src, dest, nil, false)
	require.NoError(t, p.Run())

	statuses := map[string]status.TaskStatus{}
	for _, c := range root.Children() {
		statuses[c.Name()] = c.StatusType()
	}
	require.Equal(t, status.Success, statuses["good"])
	require.Equal(t, status.Failed, statuses["unopenable"])
}

// TestPoolRunBoundsConcurrencyToTwo covers P7: at most poolConcurrency
// images ever copy extents concurrently, however many images the pool has.
func TestPoolRunBoundsConcurrencyToTwo(t *testing.T) {
	const imageCount = 6
	var current, max int32
	release := make(chan struct{})

	names := make([]string, imageCount)
	for i := range names {
		names[i] = "img" + string(rune('0'+i))
	}

	src := &fakePoolSource{
		names: names,
		open: func(name string) (sourceImage, error) {
			return &fakeImage{
				name:    name,
				size:    4,
				extents: []rbdsrc.DiffExtent{{Offset: 0, Length: 4, Exists: true}},
				onExtent: func() {
					n := atomic.AddInt32(&current, 1)
					for {
						old := atomic.LoadInt32(&max)
						if n <= old || atomic.CompareAndSwapInt32(&max, old, n) {
							break
						}
					}
					<-release
					atomic.AddInt32(&current, -1)
				},
			}, nil
		},
	}
	dest := &fakeDestFactory{build: func(node *status.Node, name string) destDataset { return newFakePoolDest(t) }}

	p := newPool(newTestRoot(), src, dest, nil, false)

	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()

	// Give the worker pool time to saturate its concurrency limit before
	// releasing every blocked task at once.
	time.Sleep(100 * time.Millisecond)
	close(release)
	<-done

	require.LessOrEqual(t, int(atomic.LoadInt32(&max)), poolConcurrency)
	require.GreaterOrEqual(t, int(atomic.LoadInt32(&max)), 1)
}
