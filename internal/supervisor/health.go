package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// startStandby binds the gateway's address and answers /health with a
// restarting status so external monitors can tell a restart from a crash.
// Binding is best-effort: the dying gateway may briefly hold the port.
func (s *Supervisor) startStandby() (stop func()) {
	if s.opts.Addr == "" {
		return func() {}
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		s.logger.Debug("standby listen failed", "error", err)
		return func() {}
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "restarting",
			"mode":    "cli",
			"version": s.opts.Version,
		})
	})

	srv := &http.Server{Handler: r}
	go func() { _ = srv.Serve(ln) }()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
