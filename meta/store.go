// Package meta implements the persistent metadata store for tablets. It is a
// thin layer over an embedded pebble instance: logical column families are
// encoded as key prefixes, and multi-record commits go through atomic
// batches so a version advance is either fully durable or absent.
package meta

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/s2"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("meta: key not found")

// CF is a logical column family.
type CF string

const (
	// CFMeta holds one checkpoint record per tablet (the full tablet meta).
	CFMeta CF = "meta"
	// CFLog holds incremental apply log records since the last checkpoint.
	CFLog CF = "tlog"
	// CFRowset holds one record per visible rowset.
	CFRowset CF = "rset"
	// CFDelVec holds delete vector generations keyed by (segment, version).
	CFDelVec CF = "dvec"
	// CFPending holds committed-but-not-applied rowsets keyed by version.
	CFPending CF = "pend"
	// CFIndex holds the persisted primary key index of each tablet, written
	// beside the checkpoint and tagged with the version it reflects.
	CFIndex CF = "pidx"
)

func encodeKey(cf CF, key string) []byte {
	out := make([]byte, 0, len(cf)+1+len(key))
	out = append(out, cf...)
	out = append(out, '!')
	return append(out, key...)
}

// Store is a pebble-backed KV store shared by all tablets of one engine.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the store at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("meta: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for (cf, key) or ErrNotFound.
func (s *Store) Get(cf CF, key string) ([]byte, error) {
	val, closer, err := s.db.Get(encodeKey(cf, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, cf, key)
		}
		return nil, fmt.Errorf("meta: get %s/%s: %w", cf, key, err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// Put writes a single record durably.
func (s *Store) Put(cf CF, key string, val []byte) error {
	if err := s.db.Set(encodeKey(cf, key), val, pebble.Sync); err != nil {
		return fmt.Errorf("meta: put %s/%s: %w", cf, key, err)
	}
	return nil
}

// Delete removes a single record durably.
func (s *Store) Delete(cf CF, key string) error {
	if err := s.db.Delete(encodeKey(cf, key), pebble.Sync); err != nil {
		return fmt.Errorf("meta: delete %s/%s: %w", cf, key, err)
	}
	return nil
}

// Scan iterates records of cf whose key starts with prefix, in key order.
// fn returns false to stop early.
func (s *Store) Scan(cf CF, prefix string, fn func(key string, val []byte) (bool, error)) error {
	lower := encodeKey(cf, prefix)
	upper := append(encodeKey(cf, prefix), 0xff)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("meta: scan %s/%s: %w", cf, prefix, err)
	}
	defer iter.Close()

	skip := len(cf) + 1
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		cont, err := fn(string(iter.Key()[skip:]), val)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Error()
}

// Batch groups writes that must commit atomically.
type Batch struct {
	b *pebble.Batch
}

// NewBatch returns an empty batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{b: s.db.NewBatch()}
}

// Put buffers a write.
func (b *Batch) Put(cf CF, key string, val []byte) {
	_ = b.b.Set(encodeKey(cf, key), val, nil)
}

// Delete buffers a deletion.
func (b *Batch) Delete(cf CF, key string) {
	_ = b.b.Delete(encodeKey(cf, key), nil)
}

// DeletePrefix buffers a range deletion of every key of cf starting with
// prefix.
func (b *Batch) DeletePrefix(cf CF, prefix string) {
	lower := encodeKey(cf, prefix)
	upper := append(encodeKey(cf, prefix), 0xff)
	_ = b.b.DeleteRange(lower, upper, nil)
}

// Apply commits the batch durably (fsynced).
func (s *Store) Apply(b *Batch) error {
	if err := s.db.Apply(b.b, pebble.Sync); err != nil {
		return fmt.Errorf("meta: apply batch: %w", err)
	}
	return b.b.Close()
}

// Compress squeezes a checkpoint payload with s2 before storage.
func Compress(data []byte) []byte {
	return s2.Encode(nil, data)
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("meta: decompress: %w", err)
	}
	return out, nil
}
