// Package pgstore provides an EnvelopeStore backed by PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/store"
)

// schema is applied on startup. Each statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS data_blocks (
		name           TEXT PRIMARY KEY,
		block_type     TEXT NOT NULL CHECK (block_type IN ('TYPE_A', 'TYPE_B')),
		payload        BYTEA NOT NULL,
		checksum       TEXT NOT NULL DEFAULT '',
		content_digest TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS data_blocks_block_type_idx ON data_blocks (block_type, name)`,
}

// Store implements store.EnvelopeStore on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New connects to connStr, verifies the connection and applies the schema.
func New(ctx context.Context, connStr string, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	s.pool = pool
	s.logger.Debug("opened pgstore", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

// Save inserts a new block. ON CONFLICT DO NOTHING detects duplicate names
// without aborting the surrounding connection state.
func (s *Store) Save(ctx context.Context, header store.HeaderEntity, body store.BodyEntity) error {
	if header.Name == "" {
		return fmt.Errorf("%w: block name is empty", dataserver.ErrInvalidInput)
	}
	if !header.BlockType.Valid() {
		return fmt.Errorf("%w: %q", dataserver.ErrInvalidBlockType, string(header.BlockType))
	}

	payload := body.Payload
	if payload == nil {
		payload = []byte{}
	}

	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO data_blocks (name, block_type, payload, checksum, content_digest, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (name) DO NOTHING`,
		header.Name, string(header.BlockType), payload, body.Checksum,
		dataserver.ContentDigest(payload), now,
	)
	if err != nil {
		return fmt.Errorf("%w: saving block %q: %w", store.ErrPersistence, header.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %w %q", store.ErrPersistence, store.ErrDuplicateName, header.Name)
	}
	return nil
}

// FindByBlockType returns all blocks with the given type, ordered by name.
// Rows whose payload fails its digest check are logged and left out.
func (s *Store) FindByBlockType(ctx context.Context, t dataserver.BlockType) ([]store.StoredBlock, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", dataserver.ErrInvalidBlockType, string(t))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT name, block_type, payload, checksum, content_digest, created_at, updated_at
		 FROM data_blocks WHERE block_type = $1 ORDER BY name`,
		string(t),
	)
	if err != nil {
		return nil, fmt.Errorf("querying blocks: %w", err)
	}
	defer rows.Close()

	result := []store.StoredBlock{}
	for rows.Next() {
		block, err := scanBlock(rows)
		if errors.Is(err, store.ErrCorrupted) {
			s.logger.Warn("skipping corrupted block", "block_type", t, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blocks: %w", err)
	}
	return result, nil
}

// UpdateBlockType changes the classification of the named block.
func (s *Store) UpdateBlockType(ctx context.Context, name string, t dataserver.BlockType) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("%w: %q", dataserver.ErrInvalidBlockType, string(t))
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE data_blocks SET block_type = $2, updated_at = $3 WHERE name = $1`,
		name, string(t), s.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("%w: updating block %q: %w", store.ErrPersistence, name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns the named block.
func (s *Store) Get(ctx context.Context, name string) (store.StoredBlock, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT name, block_type, payload, checksum, content_digest, created_at, updated_at
		 FROM data_blocks WHERE name = $1`,
		name,
	)
	block, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.StoredBlock{}, store.ErrNotFound
	}
	return block, err
}

// CountByBlockType returns the number of stored blocks per block type.
func (s *Store) CountByBlockType(ctx context.Context) (map[dataserver.BlockType]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT block_type, count(*) FROM data_blocks GROUP BY block_type`)
	if err != nil {
		return nil, fmt.Errorf("counting blocks: %w", err)
	}
	defer rows.Close()

	counts := make(map[dataserver.BlockType]int, len(dataserver.BlockTypes))
	for _, t := range dataserver.BlockTypes {
		counts[t] = 0
	}
	for rows.Next() {
		var (
			t string
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[dataserver.BlockType(t)] = int(n)
	}
	return counts, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// scanBlock reads one row and verifies the payload against its content digest.
func scanBlock(row pgx.Row) (store.StoredBlock, error) {
	var (
		name, blockType, checksum, digest string
		payload                           []byte
		createdAt, updatedAt              time.Time
	)
	if err := row.Scan(&name, &blockType, &payload, &checksum, &digest, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.StoredBlock{}, err
		}
		return store.StoredBlock{}, fmt.Errorf("scanning block: %w", err)
	}
	if dataserver.ContentDigest(payload) != digest {
		return store.StoredBlock{}, fmt.Errorf("block %q: %w", name, store.ErrCorrupted)
	}
	if payload == nil {
		payload = []byte{}
	}
	return store.StoredBlock{
		Header: store.HeaderEntity{
			Name:      name,
			BlockType: dataserver.BlockType(blockType),
			CreatedAt: createdAt.UTC(),
			UpdatedAt: updatedAt.UTC(),
		},
		Body: store.BodyEntity{
			Payload:  payload,
			Checksum: checksum,
		},
	}, nil
}

// Compile-time interface checks
var (
	_ store.EnvelopeStore = (*Store)(nil)
	_ store.Counter       = (*Store)(nil)
)
