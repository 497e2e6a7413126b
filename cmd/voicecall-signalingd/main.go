package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/collabdraw/voicecall/internal/call"
	"github.com/collabdraw/voicecall/internal/config"
	"github.com/collabdraw/voicecall/internal/identity"
	"github.com/collabdraw/voicecall/internal/media"
	"github.com/collabdraw/voicecall/internal/metrics"
	"github.com/collabdraw/voicecall/internal/negotiate"
	"github.com/collabdraw/voicecall/internal/recordstore"
	"github.com/collabdraw/voicecall/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := cfg.ICEConfigError(); err != nil {
		// A broken ICE config degrades connectivity but the signaling relay
		// itself still works, so warn instead of refusing to start.
		logger.Warn("ice server config ignored", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SignalingURL != "" {
		if err := runPeer(ctx, cfg, logger); err != nil {
			logger.Error("peer exited", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := runServer(ctx, cfg, logger); err != nil {
		os.Exit(1)
	}
}

// runServer hosts the record store relay that browsers and headless peers
// signal through.
func runServer(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var store recordstore.Store
	if cfg.DBPath != "" {
		sq, err := recordstore.OpenSQLite(cfg.DBPath)
		if err != nil {
			logger.Error("failed to open record store", "path", cfg.DBPath, "err", err)
			return err
		}
		defer sq.Close()
		store = sq
	} else {
		store = recordstore.NewMemoryStore()
	}

	m := metrics.New()

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	logger.Info("starting voicecall-signalingd",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"db_path", cfg.DBPath,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ws_ping_interval", cfg.WSPingInterval,
		"max_message_bytes", cfg.MaxMessageBytes,
		"allowed_origins", cfg.AllowedOrigins,
		"commit", commit,
		"build_time", built,
	)
	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("no allowed origins configured; browser connections are restricted to the relay's own host")
	}

	relay := recordstore.NewServer(store, recordstore.ServerConfig{
		AllowedOrigins:       cfg.AllowedOrigins,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		PingInterval:         cfg.WSPingInterval,
		IdleTimeout:          cfg.WSIdleTimeout,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", relay)
	mux.Handle("GET /metrics", metrics.PrometheusHandler(m))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return err
	}

	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return err
	}
	return nil
}

// runPeer connects to a remote relay as a headless call endpoint: it
// registers under the configured username, answers nothing automatically, and
// logs ringing invites until the process is stopped. Useful for soak testing
// a deployment from the command line.
func runPeer(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	client, err := recordstore.Dial(ctx, cfg.SignalingURL, logger)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer client.Close()

	resolver := identity.NewStoreResolver(client)
	self, err := resolver.Register(ctx, cfg.Username)
	if err != nil {
		return err
	}
	logger.Info("registered", "username", self.Username, "user_id", self.ID)

	api, err := webrtcpeer.NewAPI(webrtcpeer.Options{
		ICEServers: cfg.ICEServers,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	m := metrics.New()
	engine, err := call.New(call.Config{
		Self:     self,
		Store:    client,
		Resolver: resolver,
		Media:    media.NewDeviceManager(logger),
		NewPeerConnection: func() (negotiate.PeerConnection, error) {
			return webrtcpeer.NewPeerConnection(api, cfg.ICEServers)
		},
		Logger:  logger,
		Metrics: m,
		OnStateChange: func(s call.State) {
			logger.Info("call state", "state", s)
		},
		OnIncomingCall: func(inv call.IncomingCall) {
			logger.Info("incoming call", "record_id", inv.RecordID, "caller_id", inv.CallerID)
		},
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
