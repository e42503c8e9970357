package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/gravity-controller/internal/config"
	"github.com/danielpatrickdp/gravity-controller/internal/logging"
	"github.com/danielpatrickdp/gravity-controller/internal/metrics"
	"github.com/danielpatrickdp/gravity-controller/internal/statusrpc"
	"github.com/danielpatrickdp/gravity-controller/internal/store"
)

// #region command
var (
	serveConfig string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve breaker status of the active snapshot over gRPC",
		Long: `Publishes the breaker status of the active snapshot through the
gravity.v1.Status service and the standard gRPC health service, and
exports the breaker gauge on the metrics address. The snapshot is
re-read every server.refresh interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(serveConfig)
			if err != nil {
				return err
			}
			// The config file's log section applies unless a flag overrides it.
			if !cmd.Flags().Changed("log-level") {
				logLevel = cfg.Log.Level
			}
			if !cmd.Flags().Changed("log-format") {
				logFormat = cfg.Log.Format
			}
			if logger, err = logging.NewLogger(os.Stderr, logLevel, logFormat); err != nil {
				return err
			}
			slog.SetDefault(logger)
			return runServe(cmd.Context(), cfg)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfig, "config", envOr("GRAVITY_CONFIG", ""), "path to YAML config")
}

// #endregion command

// #region publisher
// publisher copies the active snapshot's breakers into the status server
// and the breaker gauge.
type publisher struct {
	store    *store.Store
	server   *statusrpc.Server
	recorder *metrics.Recorder
	version  string
}

func (p *publisher) refresh() error {
	cur, err := p.store.GetCurrent()
	if errors.Is(err, store.ErrNoActiveSnapshot) {
		if p.version != "" {
			p.server.Publish(statusrpc.Report{})
			p.version = ""
		}
		return nil
	}
	if err != nil {
		return err
	}

	p.server.Publish(statusrpc.Report{
		Step:      cur.Step,
		VersionID: cur.VersionID,
		Breakers:  cur.Engine.Breakers,
	})
	for v, st := range cur.Engine.Breakers {
		p.recorder.ObserveStatus(v, st)
	}
	if cur.VersionID != p.version {
		logger.Info("published snapshot", "version", cur.VersionID, "step", cur.Step, "variables", len(cur.Engine.Breakers))
		p.version = cur.VersionID
	}
	return nil
}

// #endregion publisher

// #region serve
func runServe(ctx context.Context, cfg config.Config) error {
	logger.Debug("config loaded", "config", cfg.String())

	st, err := store.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	srv := statusrpc.NewServer(logger)
	pub := &publisher{store: st, server: srv, recorder: metrics.NewRecorder(reg)}
	if err := pub.refresh(); err != nil {
		return fmt.Errorf("initial publish: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	gs := grpc.NewServer()
	srv.Register(gs)

	errCh := make(chan error, 2)
	go func() {
		if err := gs.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	logger.Info("status server listening", "addr", lis.Addr().String(), "db", cfg.Store.Path)

	var httpSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
	}

	var tick <-chan time.Time
	if cfg.Server.Refresh > 0 {
		t := time.NewTicker(cfg.Server.Refresh)
		defer t.Stop()
		tick = t.C
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			break loop
		case runErr = <-errCh:
			break loop
		case <-tick:
			if err := pub.refresh(); err != nil {
				logger.Warn("refresh failed", "err", err)
			}
		}
	}

	srv.Shutdown()
	gs.GracefulStop()
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Warn("metrics shutdown", "err", err)
		}
	}
	return runErr
}

// #endregion serve
