package job

import (
	"sync"

	"github.com/mattventura/ceph-to-zfs/status"
)

// GlobalControl owns an ordered list of jobs and runs them sequentially on
// request, exposing a non-blocking "run all" affordance for the status
// reporter with a single-flight guard (spec.md §4.6).
type GlobalControl struct {
	root *status.Node
	jobs []*Job

	mu      sync.Mutex
	running bool
}

// NewGlobalControl binds the root status node every job run attaches its
// per-job node to, and the ordered job list.
func NewGlobalControl(root *status.Node, jobs []*Job) *GlobalControl {
	return &GlobalControl{root: root, jobs: jobs}
}

// IsRunning reports whether a run is currently in flight.
func (g *GlobalControl) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// RunAll starts a sequential run of every job in a background goroutine and
// returns immediately. It reports false, starting nothing, if a run is
// already in progress (spec.md §4.6: "a second invocation while the prior
// is still running is rejected").
func (g *GlobalControl) RunAll() bool {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return false
	}
	g.running = true
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			g.running = false
			g.mu.Unlock()
		}()
		g.runSequential()
	}()
	return true
}

// RunAllBlocking runs every job sequentially on the calling goroutine,
// honoring the same single-flight guard as RunAll. Used by the CLI's
// non-daemon invocation, which wants to block until completion.
func (g *GlobalControl) RunAllBlocking() bool {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return false
	}
	g.running = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()
	g.runSequential()
	return true
}

func (g *GlobalControl) runSequential() {
	for _, j := range g.jobs {
		jobNode := g.root.Child(j.Name, true)
		if err := j.Run(jobNode); err != nil {
			jobNode.LogStatus(err.Error(), status.Failed)
		}
	}
}
