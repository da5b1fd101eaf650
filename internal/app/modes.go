package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/poolsight/internal/server"
	"github.com/alanyoungcy/poolsight/internal/server/handler"
	"github.com/alanyoungcy/poolsight/internal/server/ws"
	"github.com/alanyoungcy/poolsight/internal/service"
)

// ServeMode keeps the snapshots fresh on a ticker and serves them over HTTP
// and WebSocket until ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode",
		slog.Uint64("chain_id", deps.Chain.ChainID()),
		slog.Int("tracked_pools", len(deps.Engine.Network().TranchedPools)),
	)

	if err := deps.Tracker.EnsureNetwork(ctx); err != nil {
		a.logger.WarnContext(ctx, "serve mode: deployment check failed, cached snapshots kept",
			slog.String("error", err.Error()),
		)
	}

	g, ctx := errgroup.WithContext(ctx)
	startedAt := time.Now().UTC()

	g.Go(func() error {
		return deps.Tracker.RunLoop(ctx, a.cfg.RefreshInterval())
	})

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			ChainID:   deps.Chain.ChainID(),
			StartedAt: startedAt,
		})
		g.Go(func() error { return hub.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		srv := a.newServer(deps, hub)
		a.startHTTPServer(ctx, g, srv)
	} else {
		a.logger.WarnContext(ctx, "serve mode: http server disabled")
	}

	return g.Wait()
}

// SnapshotMode performs one full refresh and writes every tracked snapshot as
// indented JSON to out (stdout when nil).
func (a *App) SnapshotMode(ctx context.Context, deps *Dependencies, out io.Writer) error {
	if out == nil {
		out = os.Stdout
	}
	a.logger.InfoContext(ctx, "starting snapshot mode",
		slog.Uint64("chain_id", deps.Chain.ChainID()),
	)

	report, err := collectReport(ctx, deps.Tracker, a.cfg.Watch.Borrowers, a.cfg.Watch.CapitalProviders)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("app: encode snapshot report: %w", err)
	}
	return nil
}

// snapshotReport is the document written by snapshot mode.
type snapshotReport struct {
	ChainID          uint64                                     `json:"chainId"`
	GeneratedAt      time.Time                                  `json:"generatedAt"`
	SeniorPool       service.SeniorPoolSnapshot                 `json:"seniorPool"`
	TranchedPools    []service.TranchedPoolSnapshot             `json:"tranchedPools"`
	Borrowers        map[string]service.BorrowerSnapshot        `json:"borrowers"`
	CapitalProviders map[string]service.CapitalProviderSnapshot `json:"capitalProviders"`
}

// collectReport refreshes everything once and then reads the applied
// snapshots back. Entities that failed are left out and their errors joined.
func collectReport(ctx context.Context, tracker *service.Tracker, borrowers, providers []string) (snapshotReport, error) {
	report := snapshotReport{
		ChainID:          tracker.ChainID(),
		GeneratedAt:      time.Now().UTC(),
		Borrowers:        make(map[string]service.BorrowerSnapshot, len(borrowers)),
		CapitalProviders: make(map[string]service.CapitalProviderSnapshot, len(providers)),
	}

	var errs []error
	if err := tracker.RefreshAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	var err error
	if report.SeniorPool, err = tracker.SeniorPool(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.TranchedPools, err = tracker.Pools(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, addr := range borrowers {
		b, err := tracker.Borrower(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Borrowers[service.NormalizeKey(addr)] = b
	}
	for _, addr := range providers {
		cp, err := tracker.CapitalProvider(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.CapitalProviders[service.NormalizeKey(addr)] = cp
	}

	if err := errors.Join(dedupe(errs)...); err != nil {
		return report, fmt.Errorf("app: snapshot: %w", err)
	}
	return report, nil
}

// dedupe drops repeated error messages; a failed entity is reported both by
// RefreshAll and by the read that retries it.
func dedupe(errs []error) []error {
	seen := make(map[string]bool, len(errs))
	out := errs[:0]
	for _, err := range errs {
		if seen[err.Error()] {
			continue
		}
		seen[err.Error()] = true
		out = append(out, err)
	}
	return out
}

// newServer builds the HTTP server and its handlers over the tracker.
func (a *App) newServer(deps *Dependencies, hub *ws.Hub) *server.Server {
	checks := map[string]handler.Check{
		"chain": deps.Engine.CheckNetwork,
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}

	tracker := deps.Tracker
	handlers := server.Handlers{
		Health:           handler.NewHealthHandler(checks, a.logger),
		Status:           handler.NewStatusHandler(a.cfg.Mode, len(deps.Engine.Network().TranchedPools), a.cfg.RefreshInterval(), tracker),
		SeniorPool:       handler.NewSeniorPoolHandler(tracker, a.logger),
		Pools:            handler.NewPoolHandler(tracker, a.logger),
		CapitalProviders: handler.NewCapitalProviderHandler(tracker, a.logger),
		Borrowers:        handler.NewBorrowerHandler(tracker, a.logger),
		Metrics:          deps.Metrics.Handler(),
	}

	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.RateWindow(),
	}, handlers, hub, deps.RateLimiter, a.logger)
}

// startHTTPServer runs srv under g and shuts it down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, srv *server.Server) {
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("app: http server shutdown error",
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
}
