package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"marinex-ng/internal/vessel"
)

// VesselSource is the read side of the vessel store.
type VesselSource interface {
	SnapshotDetailed(nowUTC time.Time) []vessel.Detail
	Get(nowUTC time.Time, mmsi string) (vessel.Detail, bool)
}

type Deps struct {
	Status    *Status
	Vessels   VesselSource
	Logs      *LogBuffer
	Positions *PositionBroadcaster
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

func Handler(d Deps) http.Handler {
	mux := http.NewServeMux()
	status := d.Status
	if status == nil {
		status = NewStatus()
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/vessels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if d.Vessels == nil {
			http.Error(w, "vessels unavailable", http.StatusNotFound)
			return
		}
		now := time.Now().UTC()
		vessels := d.Vessels.SnapshotDetailed(now)
		resp := struct {
			NowUTC  string          `json:"now_utc"`
			Count   int             `json:"count"`
			Vessels []vessel.Detail `json:"vessels"`
		}{
			NowUTC:  now.Format(time.RFC3339Nano),
			Count:   len(vessels),
			Vessels: vessels,
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/api/vessels/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if d.Vessels == nil {
			http.Error(w, "vessels unavailable", http.StatusNotFound)
			return
		}
		mmsi := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/vessels/"))
		if mmsi == "" || strings.Contains(mmsi, "/") {
			http.NotFound(w, r)
			return
		}
		v, ok := d.Vessels.Get(time.Now().UTC(), mmsi)
		if !ok {
			http.Error(w, "vessel not found", http.StatusNotFound)
			return
		}
		writeJSON(w, v)
	})

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	if d.Positions != nil {
		mux.Handle("/api/events", EventsHandler(d.Positions))
	}
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}

	mux.Handle("/api/about", AboutHandler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{
			"service": serviceName,
			"endpoints": []string{
				"/api/status", "/api/vessels", "/api/vessels/{mmsi}",
				"/api/logs", "/api/events", "/api/about", "/metrics",
			},
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Serve(ctx context.Context, listenAddr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, handler)
}

// ServeListener serves on an already bound listener, so callers can be sure
// the port is open before anything dials it.
func ServeListener(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
