// Package status implements the hierarchical status tree shared by every
// collaborator that reports backup progress: the image backup procedure,
// the pool worker pool, the job orchestrator, the CLI, and the HTTP
// reporter. None of those collaborators write to the tree except the
// procedures that own a given node.
package status

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// TaskStatus is one of the fixed set of states a Node can be in.
type TaskStatus struct {
	Label      string
	IsTerminal bool
	IsBad      bool
}

func (s TaskStatus) String() string {
	return s.Label
}

// The fixed TaskStatus values named in spec.md §3.
var (
	NotStarted     = TaskStatus{Label: "Not Started"}
	Preparing      = TaskStatus{Label: "Preparing"}
	InProgress     = TaskStatus{Label: "In Progress"}
	Finishing      = TaskStatus{Label: "Finishing"}
	Success        = TaskStatus{Label: "Success", IsTerminal: true}
	Failed         = TaskStatus{Label: "Failed", IsTerminal: true, IsBad: true}
	Skipped        = TaskStatus{Label: "Skipped", IsTerminal: true}
	ChildrenFailed = TaskStatus{Label: "Failed Sub-Tasks", IsTerminal: true, IsBad: true}
)

// SinkFunc receives a node's rendered path and a single log line. The
// default sink forwards to logrus; the HTTP reporter and tests may supply
// their own.
type SinkFunc func(path []string, message string)

// DefaultSink logs through logrus at Info level, with the node path carried
// as a structured field rather than interpolated into the message - this
// lets log aggregation filter by image/pool/job without parsing text.
func DefaultSink(path []string, message string) {
	logrus.WithField("path", path).Info(message)
}

// Node is one entry in the status tree. Children are owned by their parent
// and registered by name; registering a name that already exists replaces
// the prior child (spec.md §4.1, "make or replace").
type Node struct {
	mu sync.Mutex

	name          string
	parent        *Node
	includeParent bool
	sink          SinkFunc

	statusType TaskStatus
	statusText string
	messages   []string

	childOrder []string
	children   map[string]*Node
}

// NewRoot creates a top-level Node with its own log sink. Use this for a
// job run, or for a standalone reporter root (e.g. the web server's own
// status subtree).
func NewRoot(name string, sink SinkFunc) *Node {
	if sink == nil {
		sink = DefaultSink
	}
	return &Node{
		name:       name,
		sink:       sink,
		statusType: NotStarted,
		statusText: NotStarted.Label,
		children:   make(map[string]*Node),
	}
}

// Child makes or replaces a named child of n and returns it. includeParent
// controls whether the child's rendered path includes n (spec.md §4.1).
func (n *Node) Child(name string, includeParent bool) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	child := &Node{
		name:          name,
		parent:        n,
		includeParent: includeParent,
		sink:          n.sink,
		statusType:    NotStarted,
		statusText:    NotStarted.Label,
		children:      make(map[string]*Node),
	}
	if _, exists := n.children[name]; !exists {
		n.childOrder = append(n.childOrder, name)
	}
	n.children[name] = child
	return child
}

// Children returns the node's children in insertion order. The slice is a
// snapshot; later Child() calls do not mutate it.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*Node, 0, len(n.childOrder))
	for _, name := range n.childOrder {
		out = append(out, n.children[name])
	}
	return out
}

// Name reports the node's own (unqualified) name.
func (n *Node) Name() string {
	return n.name
}

// FullPath returns the chain of ancestors whose IncludeParent flag is true,
// ending with n itself.
func (n *Node) FullPath() []*Node {
	if n.parent == nil || !n.includeParent {
		return []*Node{n}
	}
	return append(n.parent.FullPath(), n)
}

// FullPathStrings renders FullPath as the names only.
func (n *Node) FullPathStrings() []string {
	path := n.FullPath()
	out := make([]string, len(path))
	for i, p := range path {
		out[i] = p.name
	}
	return out
}

func (n *Node) String() string {
	out := ""
	for i, s := range n.FullPathStrings() {
		if i > 0 {
			out += " : "
		}
		out += s
	}
	return out
}

// Log appends msg to the node's message history and emits it through the
// root's sink.
func (n *Node) Log(msg string) {
	n.mu.Lock()
	n.messages = append(n.messages, msg)
	sink := n.sink
	n.mu.Unlock()
	sink(n.FullPathStrings(), msg)
}

// Logf is Log with fmt.Sprintf formatting.
func (n *Node) Logf(format string, args ...interface{}) {
	n.Log(fmt.Sprintf(format, args...))
}

// StatusText returns the node's current free-text status.
func (n *Node) StatusText() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.statusText
}

// SetStatusText sets the free-text status without logging or changing
// StatusType.
func (n *Node) SetStatusText(text string) {
	n.mu.Lock()
	n.statusText = text
	n.mu.Unlock()
}

// StatusType returns the node's current TaskStatus.
func (n *Node) StatusType() TaskStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.statusType
}

// SetStatusType applies invariants 4 and 5 from spec.md §3:
//   - transitioning to a terminal state cascades Skipped to any
//     not-yet-started child;
//   - transitioning to Success while any child is bad coerces the
//     transition to ChildrenFailed instead - computed once and assigned
//     once (spec.md §9, "status-set atomicity").
func (n *Node) SetStatusType(t TaskStatus) {
	n.mu.Lock()

	if t.IsTerminal {
		for _, name := range n.childOrder {
			child := n.children[name]
			if child.StatusType() == NotStarted {
				child.LogStatus("Skipped", Skipped)
			}
		}
	}

	final := t
	if t == Success {
		for _, name := range n.childOrder {
			if n.children[name].StatusType().IsBad {
				final = ChildrenFailed
				break
			}
		}
	}
	n.statusType = final
	n.mu.Unlock()
}

// LogStatus is Log plus SetStatusText, and optionally SetStatusType
// (spec.md §4.1). Omitting t leaves StatusType unchanged.
func (n *Node) LogStatus(msg string, t ...TaskStatus) {
	n.Log(msg)
	n.SetStatusText(msg)
	if len(t) > 0 {
		n.SetStatusType(t[0])
	}
}

// Loggable is embedded by collaborators (ZFS facade contexts, the pool
// worker pool) that need terse access to a status node without threading it
// through every method signature - mirrors the original's Loggable mixin.
type Loggable struct {
	Node *Node
}

func (l Loggable) Log(msg string)                        { l.Node.Log(msg) }
func (l Loggable) Logf(format string, args ...interface{}) { l.Node.Logf(format, args...) }
func (l Loggable) SetStatus(text string)                  { l.Node.SetStatusText(text) }
func (l Loggable) LogStatus(msg string, t ...TaskStatus)  { l.Node.LogStatus(msg, t...) }
