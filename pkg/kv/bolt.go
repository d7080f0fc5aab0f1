package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("idxstore")

// Bolt is a Store backed by a single bbolt bucket.
type Bolt struct {
	db   *bolt.DB
	opts *Options
}

// BoltOptions configures the bbolt store.
type BoltOptions struct {
	// Options is the common key encoding options.
	Options *Options

	// Path is the database file. Required.
	Path string

	// Timeout bounds how long Open waits for the file lock held by another
	// process. Zero waits forever.
	Timeout time.Duration
}

// NewBolt opens (creating if needed) a bbolt-backed Store.
func NewBolt(bopts BoltOptions) (*Bolt, error) {
	if bopts.Path == "" {
		return nil, errors.New("kv: BoltOptions.Path is required")
	}
	db, err := bolt.Open(bopts.Path, 0o600, &bolt.Options{Timeout: bopts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("kv: open bolt %q: %w", bopts.Path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: create bucket: %w", err)
	}
	return &Bolt{db: db, opts: bopts.Options}, nil
}

func (b *Bolt) Get(_ context.Context, key Key) ([]byte, error) {
	var val []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get(b.opts.encode(key))
		if v == nil {
			return ErrNotFound
		}
		val = bytes.Clone(v)
		return nil
	})
	return val, mapBoltErr(err)
}

func (b *Bolt) Set(_ context.Context, key Key, value []byte) error {
	return mapBoltErr(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(b.opts.encode(key), value)
	}))
}

func (b *Bolt) Delete(_ context.Context, key Key) error {
	return mapBoltErr(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(b.opts.encode(key))
	}))
}

// List collects matching entries in one read transaction and yields them
// afterwards, so callers may write to the store while iterating.
func (b *Bolt) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := b.opts.prefixBytes(prefix)
	var entries []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			entries = append(entries, Entry{Key: b.opts.decode(bytes.Clone(k)), Value: bytes.Clone(v)})
		}
		return nil
	})
	return func(yield func(Entry, error) bool) {
		if err != nil {
			yield(Entry{}, mapBoltErr(err))
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (b *Bolt) BatchSet(_ context.Context, entries []Entry) error {
	return mapBoltErr(b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		for _, e := range entries {
			if err := bk.Put(b.opts.encode(e.Key), e.Value); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (b *Bolt) BatchDelete(_ context.Context, keys []Key) error {
	return mapBoltErr(b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		for _, k := range keys {
			if err := bk.Delete(b.opts.encode(k)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (b *Bolt) DeletePrefix(_ context.Context, prefix Key) (int, error) {
	p := b.opts.prefixBytes(prefix)
	n := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		var keys [][]byte
		c := bk.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	return n, mapBoltErr(err)
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func mapBoltErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
