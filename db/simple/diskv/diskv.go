package diskv

import (
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/peterbourgon/diskv/v3"

	"github.com/meidoworks/nekoq-notifyrelay/component"
)

const keySeparator = "/"

// objects are stored as <base>/<table>/<hex(id)>
func advancedTransform(key string) *diskv.PathKey {
	idx := strings.LastIndex(key, keySeparator)
	if idx < 0 {
		return &diskv.PathKey{Path: []string{}, FileName: key}
	}
	return &diskv.PathKey{
		Path:     strings.Split(key[:idx], keySeparator),
		FileName: key[idx+1:],
	}
}

func inverseTransform(pathKey *diskv.PathKey) string {
	if len(pathKey.Path) == 0 {
		return pathKey.FileName
	}
	return strings.Join(pathKey.Path, keySeparator) + keySeparator + pathKey.FileName
}

type diskvStoreTable struct {
	name  string
	store *DiskvStore
}

func (d diskvStoreTable) key(id []byte) string {
	return d.name + keySeparator + hex.EncodeToString(id)
}

func (d diskvStoreTable) QueryById(id []byte, empty component.SimpleStoreObject) (component.SimpleStoreObject, error) {
	d.store.lock.RLock()
	data, err := d.store.d.Read(d.key(id))
	d.store.lock.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if err := empty.Unmarshal(data); err != nil {
		return nil, err
	}
	return empty, nil
}

func (d diskvStoreTable) Insert(obj component.SimpleStoreObject) error {
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	key := d.key(obj.Id())

	d.store.lock.Lock()
	defer d.store.lock.Unlock()
	if d.store.d.Has(key) {
		return component.ErrDuplicatedObjectById
	}
	return d.store.d.Write(key, data)
}

func (d diskvStoreTable) Save(obj component.SimpleStoreObject) error {
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	key := d.key(obj.Id())

	d.store.lock.Lock()
	defer d.store.lock.Unlock()
	return d.store.d.Write(key, data)
}

func (d diskvStoreTable) Delete(id []byte) error {
	key := d.key(id)

	d.store.lock.Lock()
	defer d.store.lock.Unlock()
	if !d.store.d.Has(key) {
		return nil
	}
	return d.store.d.Erase(key)
}

func (d diskvStoreTable) Update(obj component.SimpleStoreObject) error {
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	key := d.key(obj.Id())

	d.store.lock.Lock()
	defer d.store.lock.Unlock()
	if !d.store.d.Has(key) {
		return nil
	}
	return d.store.d.Write(key, data)
}

// DiskvStore keeps one file per object under BasePath.
// diskv itself is safe for concurrent use, the lock makes check-then-write operations atomic.
type DiskvStore struct {
	lock sync.RWMutex
	d    *diskv.Diskv
}

func (s *DiskvStore) Table(table string) component.SimpleStoreTable {
	return diskvStoreTable{
		name:  table,
		store: s,
	}
}

// Close is a no-op, diskv holds no open file handles between calls
func (s *DiskvStore) Close() error {
	return nil
}

var _ component.SimpleStore = new(DiskvStore)

type DiskvStoreConfig struct {
	BasePath string
	// CacheSizeMax is the in-memory cache size in bytes, 0 disables the cache
	CacheSizeMax uint64
}

func NewDiskvStore(cfg *DiskvStoreConfig) (*DiskvStore, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("diskv base path is empty")
	}
	if err := os.MkdirAll(cfg.BasePath, 0700); err != nil {
		return nil, err
	}
	d := diskv.New(diskv.Options{
		BasePath:          cfg.BasePath,
		AdvancedTransform: advancedTransform,
		InverseTransform:  inverseTransform,
		CacheSizeMax:      cfg.CacheSizeMax,
		FilePerm:          0600,
		PathPerm:          0700,
	})
	return &DiskvStore{d: d}, nil
}
