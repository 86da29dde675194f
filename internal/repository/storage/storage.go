package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trunov/converthub/internal/entities"
)

type dbStorage struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*dbStorage, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &dbStorage{dbpool: pool}, nil
}

func (s *dbStorage) Ping(ctx context.Context) error {
	return s.dbpool.Ping(ctx)
}

func (s *dbStorage) Close() {
	s.dbpool.Close()
}

func (s *dbStorage) InsertConversion(ctx context.Context, c entities.Conversion) error {
	_, err := s.dbpool.Exec(ctx, `
		INSERT INTO conversions (asset_id, original_name, source_format, mime_type, size, width, height, client_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.AssetID, c.OriginalName, c.SourceFormat, c.MimeType, c.Size, c.Width, c.Height, c.ClientKey,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversion record: %w", err)
	}
	return nil
}

// CountSince reports how many conversions a client started since the cutoff.
func (s *dbStorage) CountSince(ctx context.Context, clientKey string, since time.Time) (int64, error) {
	var count int64
	err := s.dbpool.QueryRow(ctx, `
		SELECT COUNT(*) FROM conversions
		WHERE client_key = $1 AND created_timestamp >= $2`,
		clientKey, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversions: %w", err)
	}
	return count, nil
}
