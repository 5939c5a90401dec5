package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/analyzer"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/postgres"
)

const createTable = `CREATE TABLE IF NOT EXISTS index_catalog (
    name       TEXT PRIMARY KEY,
    uuid       TEXT NOT NULL,
    shards     INTEGER NOT NULL,
    replicas   INTEGER NOT NULL,
    analyzers  JSONB NOT NULL DEFAULT '{}',
    mappings   JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Postgres keeps the catalog in the index_catalog table.
type Postgres struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewPostgres creates the table if needed.
func NewPostgres(ctx context.Context, db *postgres.Client) (*Postgres, error) {
	if err := db.Migrate(ctx, createTable); err != nil {
		return nil, fmt.Errorf("creating index catalog table: %w", err)
	}
	return &Postgres{
		db:     db,
		logger: slog.Default().With("component", "catalog-postgres"),
	}, nil
}

func (p *Postgres) Put(ctx context.Context, meta IndexMeta) error {
	analyzers, err := json.Marshal(meta.Analyzers)
	if err != nil {
		return fmt.Errorf("marshaling analyzers of %s: %w", meta.Name, err)
	}
	mappings, err := json.Marshal(meta.Mappings)
	if err != nil {
		return fmt.Errorf("marshaling mappings of %s: %w", meta.Name, err)
	}
	_, err = p.db.DB.ExecContext(ctx,
		`INSERT INTO index_catalog (name, uuid, shards, replicas, analyzers, mappings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name) DO UPDATE SET
		     uuid = EXCLUDED.uuid,
		     shards = EXCLUDED.shards,
		     replicas = EXCLUDED.replicas,
		     analyzers = EXCLUDED.analyzers,
		     mappings = EXCLUDED.mappings,
		     created_at = EXCLUDED.created_at,
		     updated_at = EXCLUDED.updated_at`,
		meta.Name, meta.UUID, meta.Shards, meta.Replicas, analyzers, mappings, meta.CreatedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing index %s: %w", meta.Name, err)
	}
	p.logger.Debug("index metadata stored", "index", meta.Name)
	return nil
}

func (p *Postgres) Delete(ctx context.Context, name string) error {
	if _, err := p.db.DB.ExecContext(ctx, `DELETE FROM index_catalog WHERE name = $1`, name); err != nil {
		return fmt.Errorf("deleting index %s: %w", name, err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]IndexMeta, error) {
	rows, err := p.db.DB.QueryContext(ctx,
		`SELECT name, uuid, shards, replicas, analyzers, mappings, created_at
		 FROM index_catalog ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing indices: %w", err)
	}
	defer rows.Close()

	var out []IndexMeta
	for rows.Next() {
		var (
			meta                IndexMeta
			analyzers, mappings []byte
		)
		if err := rows.Scan(&meta.Name, &meta.UUID, &meta.Shards, &meta.Replicas, &analyzers, &mappings, &meta.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning index row: %w", err)
		}
		meta.Analyzers = map[string]analyzer.Definition{}
		if err := json.Unmarshal(analyzers, &meta.Analyzers); err != nil {
			return nil, fmt.Errorf("decoding analyzers of %s: %w", meta.Name, err)
		}
		meta.Mappings = schema.Mappings{}
		if err := json.Unmarshal(mappings, &meta.Mappings); err != nil {
			return nil, fmt.Errorf("decoding mappings of %s: %w", meta.Name, err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}
