// Package api serves the status, snapshot listing and metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nvr-ai/intrusion-warning/monitor"
	"github.com/nvr-ai/intrusion-warning/storage"
)

const shutdownTimeout = 5 * time.Second

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// StatusProvider reports the frame loop state.
type StatusProvider interface {
	Status() monitor.Status
}

// ImageLister lists the uploaded snapshots of one day.
type ImageLister interface {
	List(ctx context.Context, siteID string, day time.Time) ([]storage.Object, error)
}

type Server struct {
	status  StatusProvider
	images  ImageLister
	metrics http.Handler
	clock   ratelimit.Clock
}

// NewServer creates the server. images and metrics may be nil, in which case
// their endpoints are not registered.
func NewServer(status StatusProvider, images ImageLister, metrics http.Handler, clock ratelimit.Clock) *Server {
	return &Server{
		status:  status,
		images:  images,
		metrics: metrics,
		clock:   clock,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.statusHandler)
	if s.images != nil {
		mux.HandleFunc("GET /api/images/{classID}", s.imagesHandler)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.ServeMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status.Status())
}

// imagesHandler lists today's snapshots whose name carries the given id,
// newest first.
func (s *Server) imagesHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("classID")
	if !validID.MatchString(id) {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	objects, err := s.images.List(r.Context(), id, s.clock.Now())
	if err != nil {
		log.WithError(err).WithField("id", id).Warn("listing snapshots")
		http.Error(w, "failed to list images", http.StatusBadGateway)
		return
	}
	if objects == nil {
		objects = []storage.Object{}
	}
	writeJSON(w, objects)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("writing response")
	}
}
