package bbolt

import (
	"errors"
	"time"

	"go.etcd.io/bbolt"

	"github.com/meidoworks/nekoq-notifyrelay/component"
)

var errBucketMissing = errors.New("bucket missing after creation")

type bboltStoreTable struct {
	tableName []byte
	db        *bbolt.DB
}

func (b bboltStoreTable) view(fn func(bucket *bbolt.Bucket) error) error {
	if err := b.ensureBucket(); err != nil {
		return err
	}
	return b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.tableName)
		if bucket == nil {
			return errBucketMissing
		}
		return fn(bucket)
	})
}

func (b bboltStoreTable) update(fn func(bucket *bbolt.Bucket) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(b.tableName)
		if err != nil {
			return err
		}
		return fn(bucket)
	})
}

// ensureBucket creates the bucket in its own write txn, read-only txn cannot create buckets
func (b bboltStoreTable) ensureBucket() error {
	exists := false
	if err := b.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(b.tableName) != nil
		return nil
	}); err != nil {
		return err
	}
	if exists {
		return nil
	}
	return b.update(func(bucket *bbolt.Bucket) error {
		return nil
	})
}

func (b bboltStoreTable) QueryById(id []byte, empty component.SimpleStoreObject) (component.SimpleStoreObject, error) {
	var found bool
	err := b.view(func(bucket *bbolt.Bucket) error {
		val := bucket.Get(id)
		if val == nil {
			return nil
		}
		found = true
		// the value is only valid inside the txn
		return empty.Unmarshal(append([]byte(nil), val...))
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return empty, nil
}

func (b bboltStoreTable) Insert(obj component.SimpleStoreObject) error {
	// marshal outside of the write txn
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	id := obj.Id()
	return b.update(func(bucket *bbolt.Bucket) error {
		if bucket.Get(id) != nil {
			return component.ErrDuplicatedObjectById
		}
		return bucket.Put(id, data)
	})
}

func (b bboltStoreTable) Save(obj component.SimpleStoreObject) error {
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	id := obj.Id()
	return b.update(func(bucket *bbolt.Bucket) error {
		return bucket.Put(id, data)
	})
}

func (b bboltStoreTable) Delete(id []byte) error {
	return b.update(func(bucket *bbolt.Bucket) error {
		return bucket.Delete(id)
	})
}

func (b bboltStoreTable) Update(obj component.SimpleStoreObject) error {
	data, err := obj.Marshal()
	if err != nil {
		return err
	}
	id := obj.Id()
	return b.update(func(bucket *bbolt.Bucket) error {
		if bucket.Get(id) == nil {
			return nil
		}
		return bucket.Put(id, data)
	})
}

type BboltStore struct {
	db *bbolt.DB
}

func (b *BboltStore) Table(table string) component.SimpleStoreTable {
	return bboltStoreTable{
		tableName: []byte(table),
		db:        b.db,
	}
}

func (b *BboltStore) Close() error {
	return b.db.Close()
}

var _ component.SimpleStore = new(BboltStore)

func NewBboltStore(cfg *BboltStoreConfig) (*BboltStore, error) {
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return &BboltStore{db: db}, nil
}

type BboltStoreConfig struct {
	Path string
	// OpenTimeout bounds the wait for the file lock held by another process
	OpenTimeout time.Duration
}
