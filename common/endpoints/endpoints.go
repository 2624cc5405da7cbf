// Package endpoints serves the optional admin HTTP surface: a liveness probe
// and a JSON dump of the stats registry.
package endpoints

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/metagrid/gwmad/common/stats"
)

func NewTwitterServer(addr string, stats stats.StatsReceiver) *TwitterServer {
	return &TwitterServer{
		Addr:  addr,
		Stats: stats,
	}
}

type TwitterServer struct {
	Addr  string
	Stats stats.StatsReceiver
}

// Handler returns the mux, separate from Serve for tests.
func (s *TwitterServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", helpHandler)
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	return mux
}

// Serve blocks until ctx is done or the listener fails.
func (s *TwitterServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.WithFields(log.Fields{"addr": ln.Addr().String()}).Info("Serving http & stats")
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Common paths: '/health', '/admin/metrics.json'", 501)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *TwitterServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	const contentTypeHdr = "Content-Type"
	const contentTypeVal = "application/json; charset=utf-8"
	w.Header().Set(contentTypeHdr, contentTypeVal)

	pretty := r.URL.Query().Get("pretty") == "true"
	str := s.Stats.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
}

type StatScope string

// MakeStatsReceiver returns a finagle-style receiver rooted at scope.
func MakeStatsReceiver(scope StatScope) stats.StatsReceiver {
	return stats.NewCustomStatsReceiver(stats.NewFinagleStatsRegistry).Scope(string(scope))
}
