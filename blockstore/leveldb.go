package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// LevelDB stores blocks in a leveldb database keyed by the binary CID.
type LevelDB struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		Compression: opt.NoCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("opening leveldb store %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// OpenLevelDBMemory opens a leveldb store backed by memory only.
func OpenLevelDBMemory() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.db.Has(c.Bytes(), nil)
}

func (l *LevelDB) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := l.db.Get(c.Bytes(), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (l *LevelDB) Put(ctx context.Context, data []byte, codec uint64) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	c, err := ComputeCid(data, codec)
	if err != nil {
		return cid.Undef, err
	}
	if err := l.db.Put(c.Bytes(), data, nil); err != nil {
		return cid.Undef, fmt.Errorf("storing %s: %w", c, err)
	}
	return c, nil
}

func (l *LevelDB) Rm(ctx context.Context, c cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := c.Bytes()
	found, err := l.db.Has(key, nil)
	if err != nil || !found {
		return false, err
	}
	return true, l.db.Delete(key, nil)
}

func (l *LevelDB) Refs(ctx context.Context) ([]cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	var refs []cid.Cid
	for iter.Next() {
		c, err := cid.Cast(append([]byte(nil), iter.Key()...))
		if err != nil {
			return nil, fmt.Errorf("corrupt key %x: %w", iter.Key(), err)
		}
		refs = append(refs, c)
	}
	return refs, iter.Error()
}

func (l *LevelDB) Close() error { return l.db.Close() }
