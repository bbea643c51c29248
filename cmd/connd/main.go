// Command connd is the connection core's process entry point: load
// config, wire the Store/Registry/BCT and their collaborators, and
// serve the WebSocket, sibling-endpoint, and metrics listeners until a
// shutdown signal arrives. Grounded on the teacher's cmd/single/main.go
// (flag parsing, automaxprocs, config-then-server wiring,
// signal.Notify shutdown) adapted from the teacher's single in-process
// Server type to this spec's three-listener shape (§1, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pushgate/connd/internal/broadcast"
	"github.com/pushgate/connd/internal/config"
	"github.com/pushgate/connd/internal/endpointapi"
	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/limits"
	"github.com/pushgate/connd/internal/monitoring"
	"github.com/pushgate/connd/internal/pcsm"
	"github.com/pushgate/connd/internal/registry"
	"github.com/pushgate/connd/internal/store/redisstore"
	"github.com/pushgate/connd/internal/supervisor"

	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLog := fmt.Sprintf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))
	fmt.Println(bootLog)

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	redisStore, err := redisstore.New(redisstore.Config{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis store")
	}

	reg := registry.New()
	tracker := broadcast.NewTracker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.BroadcastPollURL != "" {
		poller := broadcast.NewPoller(broadcast.PollerConfig{
			URL:         cfg.BroadcastPollURL,
			Token:       cfg.BroadcastPollToken,
			Interval:    cfg.BroadcastPollInterval,
			NATSURL:     cfg.NATSURL,
			NATSSubject: cfg.NATSBroadcastSubject,
		}, tracker, logger)
		go func() {
			defer monitoring.RecoverPanic(logger, "broadcast-poller", nil)
			poller.Run(ctx)
		}()
	} else {
		logger.Info().Msg("BROADCAST_POLL_URL unset, broadcast poller disabled")
	}

	deps := &pcsm.Deps{
		Store:                 redisStore,
		Registry:              reg,
		BCT:                   tracker,
		NodeID:                cfg.NodeID,
		RequiredRecordVersion: cfg.CurrentRecordVersion,
		MsgLimit:              cfg.MsgLimit,
		Logger:                logger,
	}

	sup := supervisor.New(supervisor.Config{
		OpenHandshakeTimeout:  cfg.OpenHandshakeTimeout,
		AutoPingInterval:      cfg.AutoPingInterval,
		AutoPingTimeout:       cfg.AutoPingTimeout,
		CloseHandshakeTimeout: cfg.CloseHandshakeTimeout,
		Deps:                  deps,
		Build:                 buildPushEndpoint(cfg.NodeID),
		Logger:                logger,
	})

	var activeConnections int64
	rateLimiter := limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{Logger: logger})
	defer rateLimiter.Stop()
	guard := limits.NewAdmissionGuard(limits.AdmissionGuardConfig{
		MaxConnections: int64(cfg.MaxConnections),
		MaxCPUPercent:  90,
		CurrentCount:   &activeConnections,
		Logger:         logger,
	})
	go guard.StartMonitoring(ctx, 5*time.Second)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", handleUpgrade(ctx, sup, rateLimiter, guard, &activeConnections, logger))
	wsServer := &http.Server{Addr: cfg.WSAddr, Handler: wsMux}

	endpointServer := &http.Server{Addr: cfg.EndpointAddr, Handler: endpointapi.New(reg, logger).Handler()}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: monitoring.Handler()}

	go runServer(logger, "ws", wsServer)
	go runServer(logger, "endpoint", endpointServer)
	go runServer(logger, "metrics", metricsServer)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// The three listeners drain concurrently so one slow listener's
	// graceful-close doesn't eat into the others' shutdown budget.
	var eg errgroup.Group
	eg.Go(func() error { return wsServer.Shutdown(shutdownCtx) })
	eg.Go(func() error { return endpointServer.Shutdown(shutdownCtx) })
	eg.Go(func() error { return metricsServer.Shutdown(shutdownCtx) })
	if err := eg.Wait(); err != nil {
		logger.Warn().Err(err).Msg("listener shutdown reported an error")
	}
}

func runServer(logger zerolog.Logger, name string, srv *http.Server) {
	logger.Info().Str("server", name).Str("addr", srv.Addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Str("server", name).Msg("server stopped unexpectedly")
	}
}

// buildPushEndpoint returns the core's concrete EndpointBuilder (§1):
// endpoint-URL crypto (VAPID/JWT) is out of this core's scope, so the
// endpoint is a plain opaque path the push-reception service resolves
// against this node's identity. A full deployment swaps this for a
// signed-URL builder without touching the PCSM.
func buildPushEndpoint(nodeID string) pcsm.EndpointBuilder {
	return func(uaid ids.UAID, channelID ids.ChannelId, publicKey string) (string, error) {
		return fmt.Sprintf("%s/wpush/%s/%s", nodeID, uaid.String(), channelID.String()), nil
	}
}

// handleUpgrade performs admission control (shutdown flag, rate
// limiter, resource guard) before the WS upgrade, grounded on the
// teacher's internal/shared/handlers_ws.go ordering, then hands the
// raw net.Conn to the Connection Supervisor in its own goroutine.
func handleUpgrade(ctx context.Context, sup *supervisor.Supervisor, rl *limits.ConnectionRateLimiter, guard *limits.AdmissionGuard, active *int64, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)

		if ctx.Err() != nil {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		if !rl.CheckConnectionAllowed(clientIP) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if ok, reason := guard.ShouldAcceptConnection(); !ok {
			logger.Warn().Str("reason", reason).Str("client_ip", clientIP).Msg("connection rejected")
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Warn().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
			return
		}

		atomic.AddInt64(active, 1)
		go func() {
			defer atomic.AddInt64(active, -1)
			defer monitoring.RecoverPanic(logger, "connection-supervisor", map[string]any{"client_ip": clientIP})
			sup.Serve(ctx, conn, clientIP)
		}()
	}
}

func getClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
