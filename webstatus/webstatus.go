// Package webstatus implements the HTTP status reporter (spec.md §6): three
// endpoints bound to 0.0.0.0:9999, served with go-chi/chi/v5 in the same
// lightweight-router style canonical-lxd's dependency set favors over the
// standard mux.
package webstatus

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mattventura/ceph-to-zfs/status"
)

// Runner is the subset of job.GlobalControl the reporter needs: starting a
// run and checking whether one is already in flight.
type Runner interface {
	RunAll() bool
	IsRunning() bool
}

// Server serves the three status endpoints over the given root node and
// runner.
type Server struct {
	root   *status.Node
	runner Runner
	router chi.Router
}

// New builds the router. The listen address is fixed at 0.0.0.0:9999 by
// ListenAndServe, matching spec.md §6.
func New(root *status.Node, runner Runner) *Server {
	s := &Server{root: root, runner: runner}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/start_all", s.handleStartAll)
	r.Get("/status_simple", s.handleStatusSimple)
	r.Get("/test_error", s.handleTestError)
	s.router = r
	return s
}

// ListenAndServe binds to 0.0.0.0:9999 (spec.md §6) and serves until the
// listener fails.
func (s *Server) ListenAndServe() error {
	logrus.Info("status reporter listening on 0.0.0.0:9999")
	return http.ListenAndServe("0.0.0.0:9999", s.router)
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	if s.runner.IsRunning() || !s.runner.RunAll() {
		w.Write([]byte("Already running"))
		return
	}
	w.Write([]byte("Started"))
}

// statusNode is the JSON shape of one status tree node (spec.md §6:
// "{name, status_type, status_message, children[]}").
type statusNode struct {
	Name          string       `json:"name"`
	StatusType    string       `json:"status_type"`
	StatusMessage string       `json:"status_message"`
	Children      []statusNode `json:"children"`
}

func renderNode(n *status.Node) statusNode {
	children := n.Children()
	out := statusNode{
		Name:          n.Name(),
		StatusType:    n.StatusType().Label,
		StatusMessage: n.StatusText(),
		Children:      make([]statusNode, 0, len(children)),
	}
	for _, c := range children {
		out.Children = append(out.Children, renderNode(c))
	}
	return out
}

func (s *Server) handleStatusSimple(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(renderNode(s.root)); err != nil {
		logrus.WithError(err).Error("encoding status tree")
	}
}

func (s *Server) handleTestError(w http.ResponseWriter, r *http.Request) {
	panic(errors.New("test_error endpoint invoked"))
}
