// Package app wires configuration, infrastructure, and the core subsystems
// into a running gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wisbric/cerberus/internal/config"
	"github.com/wisbric/cerberus/internal/platform"
	"github.com/wisbric/cerberus/internal/sysload"
	"github.com/wisbric/cerberus/internal/telemetry"
	"github.com/wisbric/cerberus/internal/threat"
	"github.com/wisbric/cerberus/pkg/captcha"
	"github.com/wisbric/cerberus/pkg/circuit"
	"github.com/wisbric/cerberus/pkg/gateway"
	"github.com/wisbric/cerberus/pkg/gossip"
	"github.com/wisbric/cerberus/pkg/haproxy"
	"github.com/wisbric/cerberus/pkg/notify"
	"github.com/wisbric/cerberus/pkg/passport"
)

// Run is the main application entry point. It reads config, connects to the
// shared store, starts the background tasks, and serves the admission API
// until the context is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting cerberus",
		"node_id", cfg.NodeID,
		"listen", cfg.ListenAddr,
		"version", gateway.Version,
	)

	// Shared store
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	// Metrics
	metricsReg := telemetry.NewRegistry(telemetry.All()...)

	// Threat dial: prefer the cluster-visible value when one exists.
	dial := threat.NewDial(threat.NewLevel(cfg.InitialThreatLevel), rdb, logger)
	if err := dial.Load(ctx); err != nil {
		logger.Warn("loading threat level from store", "error", err)
	}

	// CAPTCHA pool + engine
	box := captcha.NewBox(captcha.BoxConfig{
		RAMCapacity:   cfg.AmmoRAMCapacity,
		CacheDir:      cfg.AmmoCacheDir,
		MaxDiskCache:  cfg.AmmoMaxDiskCache,
		MinDiskFreeGB: cfg.AmmoMinDiskFree,
		DumpInterval:  time.Duration(cfg.AmmoDumpInterval) * time.Second,
	}, logger)

	passports := passport.NewService(rdb, time.Duration(cfg.PassportTTLSecs)*time.Second, logger)
	engine := captcha.NewEngine(rdb, box, passports, time.Duration(cfg.ChallengeTTLSecs)*time.Second, logger)

	// Circuit tracker
	tracker := circuit.NewTracker(rdb, circuit.TrackerConfig{
		CircuitTTL:        time.Duration(cfg.CircuitTTLSecs) * time.Second,
		MaxFailedAttempts: uint32(cfg.MaxFailedAttempts),
		SoftLockDuration:  time.Duration(cfg.SoftLockDurationSecs) * time.Second,
		BanDuration:       time.Duration(cfg.BanDurationSecs) * time.Second,
	}, logger)

	// Cross-node passports
	crossNode, err := passport.NewCrossNode(passport.CrossNodeConfig{
		NodeID:         cfg.NodeID,
		TokenTTL:       time.Duration(cfg.PassportTokenTTL) * time.Second,
		PrivateKeyPath: cfg.PassportKeyPath,
		PeerPublicKeys: cfg.PeerPublicKeys,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing cross-node passports: %w", err)
	}

	// Optional collaborators
	proxy := haproxy.NewClient(cfg.HAProxySocket, cfg.HAProxyStickTable, logger)
	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackOpsChannel, cfg.NodeID, logger)
	if notifier.IsEnabled() {
		logger.Info("slack ops notifications enabled", "channel", cfg.SlackOpsChannel)
	} else {
		logger.Info("slack ops notifications disabled (SLACK_BOT_TOKEN or SLACK_OPS_CHANNEL not set)")
	}

	// Gossip
	gossipSvc := gossip.NewService(gossip.Config{
		BindAddr:           cfg.GossipBindAddr,
		Peers:              cfg.GossipPeers,
		Interval:           time.Duration(cfg.GossipIntervalSecs) * time.Second,
		PeerTimeout:        time.Duration(cfg.PeerTimeoutSecs) * time.Second,
		IsolationThreshold: cfg.IsolationThreshold,
	}, cfg.NodeID, logger)
	gossipSvc.OnIsolationChange(func(isolated bool) {
		notifier.IsolationChanged(context.Background(), isolated)
	})

	load := sysload.New()

	// Background tasks share the signal context: one broadcast shutdown.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		box.Run(ctx, load)
	}()

	if len(cfg.GossipPeers) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gossipSvc.RunReceiver(ctx); err != nil {
				logger.Error("gossip receiver failed", "error", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := gossipSvc.RunBroadcaster(ctx, func() gossip.Packet {
				return gossip.Packet{
					NodeID:          cfg.NodeID,
					CPULoad:         load.Current(),
					UpstreamHealthy: true,
					AmmoFillPct:     box.FillPercent(),
					ThreatLevel:     int(dial.Get()),
					Timestamp:       time.Now().Unix(),
					Version:         gateway.Version,
				}
			})
			if err != nil {
				logger.Error("gossip broadcaster failed", "error", err)
			}
		}()
		logger.Info("cluster gossip enabled", "bind", cfg.GossipBindAddr, "peers", len(cfg.GossipPeers))
	} else {
		logger.Info("cluster gossip disabled (no peers configured)")
	}

	handler := gateway.NewHandler(gateway.HandlerConfig{
		Logger:               logger,
		Redis:                rdb,
		Dial:                 dial,
		Engine:               engine,
		Tracker:              tracker,
		Passports:            passports,
		CrossNode:            crossNode,
		Gossip:               gossipSvc,
		Box:                  box,
		Proxy:                proxy,
		Notifier:             notifier,
		Metrics:              metricsReg,
		NodeID:               cfg.NodeID,
		MaxRequestsPerMinute: uint32(cfg.MaxRequestsPerMinute),
		AdminToken:           cfg.AdminToken,
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admission api listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)

		// Wait for background tasks to drain; the ammo box flushes its pool
		// to disk on the way out.
		wg.Wait()
		return err
	case err := <-errCh:
		return err
	}
}
