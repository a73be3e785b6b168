package blockstore

import (
	"context"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/ipfs/go-cid"
)

var blocksBucket = []byte("blocks")

// Bolt stores blocks in a single bucket of a bolt database, keyed by the
// binary CID.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating blocks bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(blocksBucket).Get(c.Bytes()) != nil
		return nil
	})
	return found, err
}

func (b *Bolt) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(c.Bytes())
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (b *Bolt) Put(ctx context.Context, data []byte, codec uint64) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	c, err := ComputeCid(data, codec)
	if err != nil {
		return cid.Undef, err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(c.Bytes(), data)
	})
	if err != nil {
		return cid.Undef, fmt.Errorf("storing %s: %w", c, err)
	}
	return c, nil
}

func (b *Bolt) Rm(ctx context.Context, c cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blocksBucket)
		key := c.Bytes()
		if bucket.Get(key) == nil {
			return nil
		}
		found = true
		return bucket.Delete(key)
	})
	return found, err
}

func (b *Bolt) Refs(ctx context.Context) ([]cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var refs []cid.Cid
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).ForEach(func(k, _ []byte) error {
			c, err := cid.Cast(append([]byte(nil), k...))
			if err != nil {
				return fmt.Errorf("corrupt key %x: %w", k, err)
			}
			refs = append(refs, c)
			return nil
		})
	})
	return refs, err
}

func (b *Bolt) Close() error { return b.db.Close() }
