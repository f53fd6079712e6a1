// Package blockdb provides an EnvelopeStore backed by bbolt.
package blockdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/store"
	"go.etcd.io/bbolt"
)

var (
	// errDuplicate aborts a save transaction without touching the database.
	errDuplicate = errors.New("duplicate")

	errNotOpen = fmt.Errorf("%w: database not open", store.ErrPersistence)
)

// blockRecord is the value stored in the blocks bucket.
type blockRecord struct {
	Name            string `json:"name"`
	BlockType       string `json:"block_type"`
	Checksum        string `json:"checksum,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
	storedPayload
}

// BoltDB implements store.EnvelopeStore using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *payloadCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a BoltDB instance.
type Option func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...Option) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := newPayloadCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating payload codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened blockdb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBlocks, bucketBlocksByType} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing blockdb")
	err := b.db.Close()
	b.db = nil
	return err
}

// DB returns the underlying bbolt database.
func (b *BoltDB) DB() *bbolt.DB {
	return b.db
}

// Save stores a new block and its type index entry in one transaction.
func (b *BoltDB) Save(_ context.Context, header store.HeaderEntity, body store.BodyEntity) error {
	if header.Name == "" {
		return fmt.Errorf("%w: block name is empty", dataserver.ErrInvalidInput)
	}
	if !header.BlockType.Valid() {
		return fmt.Errorf("%w: %q", dataserver.ErrInvalidBlockType, string(header.BlockType))
	}
	if b.db == nil || b.codec == nil {
		return errNotOpen
	}

	payload, err := b.codec.pack(body.Payload)
	if err != nil {
		return fmt.Errorf("%w: encoding payload for %q: %w", store.ErrPersistence, header.Name, err)
	}

	nowMs := b.now().UnixMilli()
	rec := blockRecord{
		Name:            header.Name,
		BlockType:       string(header.BlockType),
		Checksum:        body.Checksum,
		CreatedAtUnixMs: nowMs,
		UpdatedAtUnixMs: nowMs,
		storedPayload:   payload,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("%w: marshaling block %q: %w", store.ErrPersistence, header.Name, err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		byType := tx.Bucket(bucketBlocksByType)
		if blocks == nil || byType == nil {
			return fmt.Errorf("blocks bucket not found")
		}

		key := []byte(header.Name)
		if blocks.Get(key) != nil {
			return errDuplicate
		}
		if err := blocks.Put(key, data); err != nil {
			return fmt.Errorf("putting block: %w", err)
		}
		if err := byType.Put(makeTypeIndexKey(header.BlockType, header.Name), key); err != nil {
			return fmt.Errorf("putting type index: %w", err)
		}
		return nil
	})
	if errors.Is(err, errDuplicate) {
		return fmt.Errorf("%w: %w %q", store.ErrPersistence, store.ErrDuplicateName, header.Name)
	}
	if err != nil {
		return fmt.Errorf("%w: saving block %q: %w", store.ErrPersistence, header.Name, err)
	}
	return nil
}

// FindByBlockType returns all blocks with the given type, ordered by name.
// Blocks whose payload fails its digest check are logged and left out.
func (b *BoltDB) FindByBlockType(_ context.Context, t dataserver.BlockType) ([]store.StoredBlock, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", dataserver.ErrInvalidBlockType, string(t))
	}
	if b.db == nil {
		return nil, errNotOpen
	}

	var records []blockRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		byType := tx.Bucket(bucketBlocksByType)
		if blocks == nil || byType == nil {
			return nil
		}

		prefix := typeIndexPrefix(t)
		cursor := byType.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			val := blocks.Get(v)
			if val == nil {
				_, name := parseTypeIndexKey(k)
				b.logger.Warn("type index references missing block", "block_type", t, "name", name)
				continue
			}
			var rec blockRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("unmarshaling block %q: %w", v, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]store.StoredBlock, 0, len(records))
	for _, rec := range records {
		block, err := b.toStoredBlock(rec)
		if errors.Is(err, store.ErrCorrupted) {
			b.logger.Warn("skipping corrupted block", "block_type", t, "name", rec.Name, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, block)
	}
	return result, nil
}

// UpdateBlockType moves a block to a new type, keeping the index in step.
func (b *BoltDB) UpdateBlockType(_ context.Context, name string, t dataserver.BlockType) (bool, error) {
	if !t.Valid() {
		return false, fmt.Errorf("%w: %q", dataserver.ErrInvalidBlockType, string(t))
	}
	if b.db == nil {
		return false, errNotOpen
	}

	var updated bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		byType := tx.Bucket(bucketBlocksByType)
		if blocks == nil || byType == nil {
			return fmt.Errorf("blocks bucket not found")
		}

		key := []byte(name)
		val := blocks.Get(key)
		if val == nil {
			return nil
		}

		var rec blockRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("unmarshaling block %q: %w", name, err)
		}

		oldType := dataserver.BlockType(rec.BlockType)
		if err := byType.Delete(makeTypeIndexKey(oldType, name)); err != nil {
			return fmt.Errorf("deleting type index: %w", err)
		}
		if err := byType.Put(makeTypeIndexKey(t, name), key); err != nil {
			return fmt.Errorf("putting type index: %w", err)
		}

		rec.BlockType = string(t)
		rec.UpdatedAtUnixMs = b.now().UnixMilli()
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling block %q: %w", name, err)
		}
		if err := blocks.Put(key, data); err != nil {
			return fmt.Errorf("putting block: %w", err)
		}

		updated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: updating block %q: %w", store.ErrPersistence, name, err)
	}
	return updated, nil
}

// Get returns the named block.
func (b *BoltDB) Get(_ context.Context, name string) (store.StoredBlock, error) {
	if b.db == nil {
		return store.StoredBlock{}, errNotOpen
	}

	var rec blockRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		if blocks == nil {
			return store.ErrNotFound
		}
		val := blocks.Get([]byte(name))
		if val == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return store.StoredBlock{}, err
	}
	return b.toStoredBlock(rec)
}

// CountByBlockType returns the number of stored blocks per block type.
func (b *BoltDB) CountByBlockType(_ context.Context) (map[dataserver.BlockType]int, error) {
	if b.db == nil {
		return nil, errNotOpen
	}

	counts := make(map[dataserver.BlockType]int, len(dataserver.BlockTypes))
	for _, t := range dataserver.BlockTypes {
		counts[t] = 0
	}
	err := b.db.View(func(tx *bbolt.Tx) error {
		byType := tx.Bucket(bucketBlocksByType)
		if byType == nil {
			return nil
		}
		return byType.ForEach(func(k, _ []byte) error {
			t, _ := parseTypeIndexKey(k)
			counts[t]++
			return nil
		})
	})
	return counts, err
}

// toStoredBlock decodes a record, verifying the payload digest.
func (b *BoltDB) toStoredBlock(rec blockRecord) (store.StoredBlock, error) {
	payload, err := b.codec.unpack(rec.storedPayload)
	if err != nil {
		return store.StoredBlock{}, fmt.Errorf("decoding block %q: %w", rec.Name, err)
	}
	return store.StoredBlock{
		Header: store.HeaderEntity{
			Name:      rec.Name,
			BlockType: dataserver.BlockType(rec.BlockType),
			CreatedAt: time.UnixMilli(rec.CreatedAtUnixMs).UTC(),
			UpdatedAt: time.UnixMilli(rec.UpdatedAtUnixMs).UTC(),
		},
		Body: store.BodyEntity{
			Payload:  payload,
			Checksum: rec.Checksum,
		},
	}, nil
}

// Compile-time interface checks
var (
	_ store.EnvelopeStore = (*BoltDB)(nil)
	_ store.Counter       = (*BoltDB)(nil)
)
