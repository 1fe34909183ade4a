package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/payment-proxy/internal/ledger"
	"github.com/sells-group/payment-proxy/internal/monitoring"
	"github.com/sells-group/payment-proxy/internal/resilience"
	"github.com/sells-group/payment-proxy/internal/verify"
	"github.com/sells-group/payment-proxy/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the verification API and webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		v, err := verify.NewFromConfig(cfg)
		if err != nil {
			return err
		}

		st := openStoreOrDegrade(ctx)
		if st != nil {
			defer st.Close() //nolint:errcheck
		}
		settler := ledger.NewSettler(st, ledger.TermsFromConfig(cfg.Settlement))

		gate := webhook.NewGate(cfg.Webhook,
			webhook.NewSettlementProcessor(v, settler, expectedFields()),
			resilience.RetryFromConfig(cfg.Resilience),
		)
		a := &api{verifier: v, settler: settler, gate: gate, expected: expectedFields()}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           a.routes(cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server",
				zap.Int("port", port),
				zap.Bool("persistence", st != nil),
				zap.Strings("issuers", v.Issuers()),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		if cfg.Monitoring.Enabled && st != nil {
			checker := monitoring.NewFromConfig(st, cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err := srv.Shutdown(shutdownCtx)
			if werr := gate.Wait(shutdownCtx); werr != nil {
				zap.L().Warn("webhook processing still running at shutdown", zap.Error(werr))
			}
			return eris.Wrap(err, "server shutdown")
		})
		return g.Wait()
	},
}

// openStoreOrDegrade opens the ledger. A failure leaves the service running
// verify-only, which cannot settle anything.
func openStoreOrDegrade(ctx context.Context) ledger.Store {
	st, err := initStore(ctx)
	if err == nil && st != nil {
		err = st.Migrate(ctx)
		if err != nil {
			st.Close() //nolint:errcheck
		}
	}
	if err != nil {
		zap.L().Error("ledger unavailable, running WITHOUT PERSISTENCE: deposits will not be settled",
			zap.String("driver", cfg.Store.Driver),
			zap.Error(err),
		)
		return nil
	}
	if st == nil {
		zap.L().Warn("store driver is none, running without persistence")
	}
	return st
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
