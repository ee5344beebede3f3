package aferofs

import (
	"encoding/hex"
	"errors"
	"os"
	"path"
	"sync"

	"github.com/spf13/afero"

	"github.com/meidoworks/nekoq-notifyrelay/component"
)

const tmpSuffix = ".tmp"

type AferoStoreOptions struct {
	FS afero.Fs
	// BaseDir is relative to the root of FS
	BaseDir string
}

// AferoStore stores one file per object as <BaseDir>/<table>/<hex(id)>
type AferoStore struct {
	opt AferoStoreOptions

	lock sync.RWMutex
}

func NewAferoStore(opt AferoStoreOptions) (*AferoStore, error) {
	if opt.FS == nil {
		return nil, errors.New("afero fs is nil")
	}
	if opt.BaseDir == "" {
		opt.BaseDir = "."
	}
	if err := opt.FS.MkdirAll(opt.BaseDir, 0700); err != nil {
		return nil, err
	}
	return &AferoStore{opt: opt}, nil
}

func (a *AferoStore) Table(table string) component.SimpleStoreTable {
	return &aferoStoreTable{
		dir:   path.Join(a.opt.BaseDir, table),
		store: a,
	}
}

func (a *AferoStore) Close() error {
	return nil
}

var _ component.SimpleStore = new(AferoStore)

type aferoStoreTable struct {
	dir   string
	store *AferoStore
}

func (t *aferoStoreTable) file(id []byte) string {
	return path.Join(t.dir, hex.EncodeToString(id))
}

func (t *aferoStoreTable) exists(id []byte) (bool, error) {
	return afero.Exists(t.store.opt.FS, t.file(id))
}

// write goes through a temp file and a rename so readers never see a partial record
func (t *aferoStoreTable) write(id []byte, data []byte) error {
	fs := t.store.opt.FS
	if err := fs.MkdirAll(t.dir, 0700); err != nil {
		return err
	}
	target := t.file(id)
	tmp := target + tmpSuffix
	if err := afero.WriteFile(fs, tmp, data, 0600); err != nil {
		return err
	}
	if err := fs.Rename(tmp, target); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return nil
}

func (t *aferoStoreTable) QueryById(id []byte, empty component.SimpleStoreObject) (component.SimpleStoreObject, error) {
	t.store.lock.RLock()
	data, err := afero.ReadFile(t.store.opt.FS, t.file(id))
	t.store.lock.RUnlock()
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

func (t *aferoStoreTable) Insert(obj component.SimpleStoreObject) error {
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	id := obj.Id()

	t.store.lock.Lock()
	defer t.store.lock.Unlock()
	if ok, err := t.exists(id); err != nil {
		return err
	} else if ok {
		return component.ErrDuplicatedObjectById
	}
	return t.write(id, data)
}

func (t *aferoStoreTable) Save(obj component.SimpleStoreObject) error {
	data, err := obj.Marshal()
	if err != nil {
		return err
	}

	t.store.lock.Lock()
	defer t.store.lock.Unlock()
	return t.write(obj.Id(), data)
}

func (t *aferoStoreTable) Delete(id []byte) error {
	t.store.lock.Lock()
	defer t.store.lock.Unlock()
	if err := t.store.opt.FS.Remove(t.file(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (t *aferoStoreTable) Update(obj component.SimpleStoreObject) error {
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	id := obj.Id()

	t.store.lock.Lock()
	defer t.store.lock.Unlock()
	if ok, err := t.exists(id); err != nil {
		return err
	} else if !ok {
		return nil
	}
	return t.write(id, data)
}
