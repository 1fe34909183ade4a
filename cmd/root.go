package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/payment-proxy/internal/config"
	"github.com/sells-group/payment-proxy/internal/db"
	"github.com/sells-group/payment-proxy/internal/ledger"
	"github.com/sells-group/payment-proxy/internal/model"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "payment-proxy",
	Short: "Verify bank and telco receipts and settle deposits",
	Long:  "Resolves transaction references, fetches the issuer's own receipt, extracts and reconciles its fields, and credits the ledger exactly once.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// initStore opens the configured ledger backend. The "none" driver returns
// a nil store.
func initStore(ctx context.Context) (ledger.Store, error) {
	switch cfg.Store.Driver {
	case "none":
		return nil, nil
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "payment-proxy.db"
		}
		return ledger.NewSQLite(dsn)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store: database_url is required (PAYPROXY_STORE_DATABASE_URL)")
		}
		return ledger.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// requireStore opens and migrates the store for commands that cannot run
// without one.
func requireStore(ctx context.Context) (ledger.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ledger.ErrNoStore
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// expectedFields are the receipt fields every settlement must carry.
func expectedFields() model.Fields {
	if cfg.Settlement.ReceiverAccount == "" {
		return nil
	}
	return model.Fields{model.FieldReceiverAccount: cfg.Settlement.ReceiverAccount}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
