package server

import (
	"errors"
	"net/http"
)

// HandleHealthz responds to liveness probes. The process is alive as long
// as it can answer.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes: storage must answer a ping and
// the persistence writer must still be running.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.Store == nil {
				return nil
			}
			return h.deps.Store.Ping(r.Context())
		}},
		{"writer", func() error {
			if h.deps.Writer != nil && h.deps.Writer.Fatal() {
				return errors.New("persistence writer stopped: storage unavailable")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
