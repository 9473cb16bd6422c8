// Package offlinectl inspects and maintains an offline store from the
// command line.
package offlinectl

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/offlinesync/internal/platform/cmd"
	"github.com/louisbranch/offlinesync/internal/platform/timeouts"
	"github.com/louisbranch/offlinesync/internal/services/sync/app"
)

// Config holds offlinectl command configuration.
type Config struct {
	DBPath      string        `env:"DB_PATH" envDefault:"data/offline.db"`
	Backend     string        `env:"STORE_BACKEND" envDefault:"sqlite"`
	PolicyPath  string        `env:"POLICY_PATH"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	Timeout     time.Duration `env:"MAINTENANCE_TIMEOUT" envDefault:"1m"`

	Stats       bool
	Format      string
	Pending     bool
	Owner       string
	Dead        bool
	Sweep       bool
	PurgeSynced bool
	OlderThan   time.Duration
	Migrate     bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Format = formatText
	cfg.OlderThan = 7 * 24 * time.Hour

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the offline store (default: OFFLINESYNC_DB_PATH or data/offline.db)")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "store backend (sqlite|bbolt)")
	fs.StringVar(&cfg.PolicyPath, "policy", cfg.PolicyPath, "optional namespace policy YAML file")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "retry budget used to tell pending from dead items")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	fs.BoolVar(&cfg.Stats, "stats", false, "print entry counts per namespace")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "stats output format (text|json|prom)")
	fs.BoolVar(&cfg.Pending, "pending", false, "list unsynced items for -owner")
	fs.StringVar(&cfg.Owner, "owner", "", "owner id for -pending")
	fs.BoolVar(&cfg.Dead, "dead", false, "list dead-lettered items")
	fs.BoolVar(&cfg.Sweep, "sweep", false, "remove expired cache entries")
	fs.BoolVar(&cfg.PurgeSynced, "purge-synced", false, "delete synced items older than -older-than")
	fs.DurationVar(&cfg.OlderThan, "older-than", cfg.OlderThan, "age threshold for -purge-synced")
	fs.BoolVar(&cfg.Migrate, "migrate", false, "open the store, apply migrations and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.Maintenance
	}
	return cfg, nil
}

func (c Config) validate() error {
	actions := 0
	for _, set := range []bool{c.Stats, c.Pending, c.Dead, c.Sweep, c.PurgeSynced, c.Migrate} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return errors.New("exactly one of -stats, -pending, -dead, -sweep, -purge-synced or -migrate is required")
	}
	if c.Pending && strings.TrimSpace(c.Owner) == "" {
		return errors.New("-pending requires -owner")
	}
	if c.PurgeSynced && c.OlderThan < 0 {
		return errors.New("-older-than must not be negative")
	}
	switch c.Format {
	case formatText, formatJSON, formatProm:
	default:
		return fmt.Errorf("unknown -format %q", c.Format)
	}
	return nil
}

// Run executes one maintenance action against the store.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceOfflineCtl, func(ctx context.Context) error {
		rt, err := app.Open(ctx, app.RuntimeConfig{
			DBPath:      cfg.DBPath,
			Backend:     app.Backend(cfg.Backend),
			PolicyPath:  cfg.PolicyPath,
			MaxAttempts: cfg.MaxAttempts,
		}, nil, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = rt.Close()
		}()
		return runAction(ctx, rt, cfg, out)
	})
}

func runAction(ctx context.Context, rt *app.Runtime, cfg Config, out io.Writer) error {
	switch {
	case cfg.Migrate:
		fmt.Fprintf(out, "store %s ready\n", cfg.DBPath)
		return nil
	case cfg.Stats:
		stats, err := rt.Stats(ctx)
		if err != nil {
			return err
		}
		counts, err := rt.Queue().Counts(ctx)
		if err != nil {
			return err
		}
		return writeStats(out, cfg.Format, stats, counts)
	case cfg.Pending:
		items, err := rt.Pending(ctx, cfg.Owner)
		if err != nil {
			return err
		}
		return writeItems(out, cfg.Format, "pending", items, rt.Queue().IsDead)
	case cfg.Dead:
		items, err := rt.Queue().DeadLetters(ctx)
		if err != nil {
			return err
		}
		return writeItems(out, cfg.Format, "dead", items, rt.Queue().IsDead)
	case cfg.Sweep:
		removed, err := rt.Cache().Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "swept %d expired entries\n", removed)
		return nil
	case cfg.PurgeSynced:
		purged, err := rt.Queue().PurgeSynced(ctx, cfg.OlderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "purged %d synced items older than %s\n", purged, cfg.OlderThan)
		return nil
	}
	return nil
}
