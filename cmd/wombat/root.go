package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vdavid/wombat/internal/cache"
	"github.com/vdavid/wombat/internal/config"
	"github.com/vdavid/wombat/internal/db"
	"github.com/vdavid/wombat/internal/imap"
	"github.com/vdavid/wombat/internal/logging"
	"github.com/vdavid/wombat/internal/mailsync"
)

// app is everything a command needs, built once before it runs.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	pool  *pgxpool.Pool
	store *db.Store
	svc   *mailsync.Service
}

var current *app

var rootCmd = &cobra.Command{
	Use:   "wombat",
	Short: "Mailbox sync and conversation threading over IMAP",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		current = a
		return nil
	},
}

func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	defer closeApp()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// closeApp releases what newApp opened. It runs whether or not the command
// failed.
func closeApp() {
	if current == nil {
		return
	}
	db.CloseConnection(current.pool)
	current = nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logging.New(cfg.LogLevel, cfg.IsDevelopment())

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store := db.NewStore(pool)

	gatewayCfg := imap.Config{DialTimeout: cfg.IMAPDialTimeout}
	if cfg.IMAPDebug {
		gatewayCfg.Debug = os.Stderr
	}

	svc := mailsync.NewService(
		store,
		imap.NewGateway(gatewayCfg),
		cache.New(cfg.CacheSize, cfg.CacheTTL, cfg.CachePrefix),
		log,
		mailsync.Options{PageSize: cfg.PageSize},
	)

	return &app{cfg: cfg, log: log, pool: pool, store: store, svc: svc}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
