// Command echd runs the Editor Connection Hub: it accepts websocket
// connections from editor peers at /connect and exposes health, metrics,
// and optional debug endpoints to the surrounding process, in the same
// shape as the teacher's main.go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"echohub/internal/config"
	"echohub/internal/dashboard"
	"echohub/internal/eventbridge"
	"echohub/internal/hub"
	"echohub/internal/logging"
	"echohub/internal/metrics"
)

var serverStartTime = time.Now()

func main() {
	logging.Init()

	timing := config.LoadTiming()
	srvCfg := config.LoadServer()
	h := hub.New(timing)

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", h.ServeUpgrade)
	mux.HandleFunc("/health", healthHandler(h))
	mux.HandleFunc("/health/live", healthLiveHandler)
	mux.HandleFunc("/health/ready", healthReadyHandler(h))
	mux.Handle("/metrics", metrics.Handler(h))

	if srvCfg.DebugEndpoints {
		mux.Handle("/debug/sessions", dashboard.Handler(h))
		mux.HandleFunc("/status", statusHandler(h))
		slog.Info("debug endpoints enabled", "endpoints", "/debug/sessions, /status")
	}

	server := &http.Server{
		Addr:              srvCfg.Addr,
		Handler:           logging.Middleware(mux),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := net.Listen("tcp", srvCfg.Addr)
	if err != nil {
		slog.Error("listen failed", "addr", srvCfg.Addr, "error", err)
		os.Exit(1)
	}
	limited := netutil.LimitListener(ln, srvCfg.MaxInflightUpgrades)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bridge *eventbridge.Bridge
	if srvCfg.EventBridgeRedisURL != "" {
		b, err := eventbridge.Dial(srvCfg.EventBridgeRedisURL)
		if err != nil {
			slog.Error("event bridge disabled: dial failed", "error", err)
		} else {
			bridge = b
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if bridge != nil {
		events, unsubscribe := h.SubscribeDomainEvent()
		defer unsubscribe()
		g.Go(func() error {
			bridge.Run(gctx, events)
			return nil
		})
	}

	g.Go(func() error {
		if err := server.Serve(limited); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	slog.Info("echohub listening", "addr", srvCfg.Addr)

	select {
	case <-sigCh:
		slog.Info("shutdown signal received, draining")
	case <-gctx.Done():
		slog.Error("a supervised task failed, shutting down", "error", g.Wait())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	h.CloseAll()
	cancel()
	if bridge != nil {
		bridge.Close()
	}

	slog.Info("cleanup complete")
}

func healthHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		normal, reloadSurviving := h.PendingCounts()
		resp := map[string]any{
			"status": "ok",
			"server": map[string]any{
				"uptime_seconds": int64(time.Since(serverStartTime).Seconds()),
				"started_at":     serverStartTime.Unix(),
				"timestamp":      time.Now().Unix(),
			},
			"sessions": map[string]any{
				"open": h.Registry().Len(),
			},
			"correlations": map[string]any{
				"normal":           normal,
				"reload_surviving": reloadSurviving,
			},
			"sweeper": map[string]any{
				"suspended": h.SweeperSuspended(),
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func healthLiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func healthReadyHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	}
}

func statusHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type peerStatus struct {
			SessionID   string `json:"session_id"`
			ConnID      string `json:"conn_id"`
			ProjectPath string `json:"project_path"`
			State       string `json:"state"`
			Alive       bool   `json:"alive"`
			Compiling   bool   `json:"compiling"`
		}
		var peers []peerStatus
		for _, p := range h.Registry().Snapshot() {
			peers = append(peers, peerStatus{
				SessionID:   p.SessionID,
				ConnID:      p.ConnID,
				ProjectPath: p.ProjectPath(),
				State:       p.State().String(),
				Alive:       p.Alive(),
				Compiling:   p.IsCompiling(),
			})
		}
		resp := map[string]any{
			"target_project":     h.TargetProject(),
			"connected_projects": h.ConnectedProjects(),
			"peers":              peers,
			"takeovers_total":    h.TakeoversTotal(),
			"rejections_total":   h.RejectionsTotal(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
