package gateway

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout: "e:<key>" holds the value, "m:<key>" its diskMeta.
var (
	entryPrefix = []byte("e:")
	metaPrefix  = []byte("m:")
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

// LevelDBStore is a Storage on disk. When it owns its directory (opened with
// an empty dir) the directory is removed on Close. Once the stored bytes pass
// maxBytes the least recently accessed tenth of the keys is dropped.
type LevelDBStore struct {
	maxBytes  int64
	dir       string
	removeDir bool

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64
	tick      int64
}

func OpenLevelDBStore(dir string, maxBytes int64) (*LevelDBStore, error) {
	if maxBytes <= 0 {
		return nil, errors.New("leveldb store: maxBytes must be positive")
	}
	removeDir := false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "tripmind-session-*")
		if err != nil {
			return nil, err
		}
		dir, removeDir = tmp, true
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		if removeDir {
			_ = os.RemoveAll(dir)
		}
		return nil, err
	}
	d := &LevelDBStore{
		maxBytes:  maxBytes,
		dir:       dir,
		removeDir: removeDir,
		db:        db,
		index:     map[string]diskMeta{},
	}
	if err := d.loadIndex(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *LevelDBStore) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	var total, tick int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
		tick = max(tick, meta.LastAccess)
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.tick = tick
	d.mu.Unlock()
	return nil
}

func (d *LevelDBStore) Dir() string { return d.dir }

func (d *LevelDBStore) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *LevelDBStore) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *LevelDBStore) Get(_ context.Context, key string) ([]byte, error) {
	b, err := d.db.Get(entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	meta, ok := d.index[key]
	if ok {
		d.tick++
		meta.LastAccess = d.tick
		d.index[key] = meta
	}
	d.mu.Unlock()
	if ok {
		if mb, err := encodeGob(meta); err == nil {
			_ = d.db.Put(metaKey(key), mb, nil)
		}
	}
	return b, nil
}

func (d *LevelDBStore) Set(_ context.Context, key string, value []byte) error {
	size := int64(len(value))
	if size > d.maxBytes {
		return ErrQuotaExceeded
	}

	d.mu.Lock()
	d.tick++
	meta := diskMeta{Size: size, LastAccess: d.tick}
	d.mu.Unlock()
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(key), value)
	batch.Put(metaKey(key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.totalSize += size - d.index[key].Size
	d.index[key] = meta
	over := d.totalSize > d.maxBytes
	d.mu.Unlock()

	for over {
		if err := d.evictSome(); err != nil {
			return err
		}
		d.mu.Lock()
		over = d.totalSize > d.maxBytes
		d.mu.Unlock()
	}
	return nil
}

func (d *LevelDBStore) Delete(_ context.Context, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(key))
	batch.Delete(metaKey(key))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
	return nil
}

// evictSome drops the least recently accessed 10% of keys, at least one.
func (d *LevelDBStore) evictSome() error {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := max(len(items)/10, 1)
	for i := 0; i < n && i < len(items); i++ {
		if err := d.Delete(context.Background(), items[i].key); err != nil {
			return err
		}
	}
	return nil
}

func (d *LevelDBStore) Close() error {
	err := d.db.Close()
	if d.removeDir {
		if rmErr := os.RemoveAll(d.dir); err == nil {
			err = rmErr
		}
	}
	return err
}

func entryKey(key string) []byte { return append(bytes.Clone(entryPrefix), key...) }
func metaKey(key string) []byte { return append(bytes.Clone(metaPrefix), key...) }
