package storage

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: sqlite, postgres, firestore)")
	sqlitePath := lflag.String("sqlite-path", "enlighten.db", "Path of the sqlite cache database")
	postgresDSN := lflag.String("postgres-dsn", "", "Postgres connection string for the cache database")

	p := &configured{}

	fs := configuredFirestore()

	lflag.Do(func() {
		ctx := context.Background()
		switch *provider {
		case "sqlite", "postgres":
			s := &SQLStore{engine: Engine(*provider), dsn: *sqlitePath}
			if s.engine == EnginePostgres {
				s.dsn = *postgresDSN
			}
			if err := s.Validate(); err != nil {
				panic(fmt.Sprintf("%s validation failed: %v", *provider, err))
			}
			if err := s.Init(ctx); err != nil {
				panic(fmt.Sprintf("%s init failed: %v", *provider, err))
			}
			p.Database = s
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(ctx); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return p
}

// Migrator is implemented by stores with a schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

type configured struct{ Database }

// Migrate applies pending schema migrations. Stores without a schema have
// nothing to do.
func (c *configured) Migrate(ctx context.Context) error {
	if m, ok := c.Database.(Migrator); ok {
		return m.Migrate(ctx)
	}
	return nil
}
