package store

import (
	"context"
	"fmt"
)

// Options selects and configures a KV backend.
type Options struct {
	Driver      string // bolt (default), sqlite or postgres
	Path        string // file for bolt and sqlite
	DatabaseURL string // postgres
	Prefix      string // bucket/table name prefix
}

func Open(ctx context.Context, opts Options) (KV, error) {
	switch opts.Driver {
	case "", "bolt":
		return OpenBolt(opts.Path, opts.Prefix)
	case "sqlite":
		return OpenSQLite(ctx, opts.Path, opts.Prefix)
	case "postgres":
		if opts.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres store: DATABASE_URL is empty")
		}
		return OpenPostgres(ctx, opts.DatabaseURL, opts.Prefix)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
