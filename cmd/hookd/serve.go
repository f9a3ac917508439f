package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agent-command/hookd/internal/autoallow"
	"github.com/agent-command/hookd/internal/config"
	"github.com/agent-command/hookd/internal/eventbus"
	"github.com/agent-command/hookd/internal/hookserver"
	"github.com/agent-command/hookd/internal/logging"
	"github.com/agent-command/hookd/internal/metrics"
	"github.com/agent-command/hookd/internal/protocol"
	"github.com/agent-command/hookd/internal/relay"
	"github.com/agent-command/hookd/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hook server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// commander lets the relay reach both the pending table and the policy.
type commander struct {
	*hookserver.Server
	policy *autoallow.Store
}

func (c commander) AllowTool(sessionID, tool string) error {
	return c.policy.Allow(sessionID, tool)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})
	m := metrics.New()

	policy := autoallow.NewStore(cfg.AutoAllow.Path, logging.Component("autoallow"))
	if err := policy.Load(); err != nil {
		return err
	}

	tracker := session.NewTracker(logging.Component("session"))
	bus := eventbus.New[protocol.Event]()
	bus.Subscribe(tracker.Handle)

	srv := hookserver.New(hookserver.Config{
		SocketPath:        cfg.Server.SocketPath,
		PermissionTimeout: cfg.Permissions.Timeout(),
		SweepInterval:     cfg.Permissions.SweepInterval(),
		DebounceQuiet:     cfg.Debounce.Quiet(),
		CacheCapacity:     cfg.Correlation.Capacity,
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
	}, policy,
		hookserver.WithLogger(logging.Component("hookserver")),
		hookserver.WithMetrics(m),
	)

	var rc *relay.Client
	if cfg.Relay.Enabled() {
		rc = relay.New(relay.Config{
			URL:          cfg.Relay.WSURL,
			Token:        cfg.Relay.Token,
			HostID:       cfg.Relay.HostID,
			OutboxMax:    cfg.Relay.OutboxMax,
			ReconnectMax: cfg.Relay.ReconnectMax(),
			Version:      version,
		}, commander{Server: srv, policy: policy},
			relay.WithLogger(logging.Component("relay")),
			relay.WithMetrics(m),
		)
		bus.Subscribe(rc.HandleEvent)
	}

	onFailure := func(sessionID, toolUseID string) {
		tracker.MarkPermissionFailed(sessionID, toolUseID)
		if rc != nil {
			rc.PermissionFailed(sessionID, toolUseID)
		}
	}
	if err := srv.Start(bus.Publish, onFailure); err != nil {
		return fmt.Errorf("start hook server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return srv.Stop()
	})
	g.Go(func() error {
		return policy.Watch(gctx)
	})
	g.Go(func() error {
		return tracker.RunLiveness(gctx, cfg.Sessions.LivenessInterval(), func(ids []string) {
			for _, id := range ids {
				srv.CancelAllForSession(id)
				policy.ClearSession(id)
			}
		})
	})
	if rc != nil {
		g.Go(func() error { return rc.Run(gctx) })
	}
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		hs := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.Listen).Msg("metrics listening")
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}

	logger.Info().Str("version", version).Str("socket", srv.SocketPath()).Msg("hookd running")
	err := g.Wait()
	logger.Info().Msg("hookd stopped")
	return err
}
