package cfgstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/component"
	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
)

const (
	TableName = "notify_relay"

	KeyWatchedTypes     = "watched_types"
	KeyEntryPointHandle = "entry_point_handle"
)

var ErrMalformedRecord = errors.New("malformed config record")

type record struct {
	Key string `cbor:"1,keyasint"`

	Types  []string `cbor:"2,keyasint,omitempty"`
	Handle int64    `cbor:"3,keyasint,omitempty"`
}

func (r *record) Id() []byte {
	return []byte(r.Key)
}

func (r *record) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

func (r *record) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, r)
}

type Options struct {
	Logger *zap.Logger
}

// Store keeps the relay configuration in one table of a SimpleStore.
type Store struct {
	table  component.SimpleStoreTable
	logger *zap.Logger

	// serialise wholesale replacement against Clear
	lock sync.Mutex
}

var _ notifyapi.ConfigStore = new(Store)

func NewStore(store component.SimpleStore, opt Options) *Store {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		table:  store.Table(TableName),
		logger: logger.Named("cfgstore"),
	}
}

func (s *Store) SetWatchedTypes(types notifyapi.WatchedTypes) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.table.Save(&record{Key: KeyWatchedTypes, Types: types.Strings()}); err != nil {
		return fmt.Errorf("save watched types: %w", err)
	}
	s.logger.Debug("watched types saved", zap.Strings("types", types.Strings()))
	return nil
}

func (s *Store) SetEntryPointHandle(handle *notifyapi.EntryPointHandle) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if handle == nil {
		if err := s.table.Delete([]byte(KeyEntryPointHandle)); err != nil {
			return fmt.Errorf("remove entry point handle: %w", err)
		}
		return nil
	}
	if err := s.table.Save(&record{Key: KeyEntryPointHandle, Handle: int64(*handle)}); err != nil {
		return fmt.Errorf("save entry point handle: %w", err)
	}
	return nil
}

func (s *Store) Clear() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.table.Delete([]byte(KeyWatchedTypes)); err != nil {
		return fmt.Errorf("clear watched types: %w", err)
	}
	if err := s.table.Delete([]byte(KeyEntryPointHandle)); err != nil {
		return fmt.Errorf("clear entry point handle: %w", err)
	}
	return nil
}

func (s *Store) load(key string) (*record, error) {
	obj, err := s.table.QueryById([]byte(key), new(record))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if obj == nil {
		return nil, nil
	}
	rec := obj.(*record)
	if rec.Key != key {
		return nil, fmt.Errorf("load %s: %w", key, ErrMalformedRecord)
	}
	return rec, nil
}

// WatchedTypes returns an empty set when nothing is stored
func (s *Store) WatchedTypes() (notifyapi.WatchedTypes, error) {
	rec, err := s.load(KeyWatchedTypes)
	if err != nil || rec == nil {
		return notifyapi.NewWatchedTypes(), err
	}
	return notifyapi.ParseWatchedTypes(rec.Types), nil
}

func (s *Store) EntryPointHandle() (*notifyapi.EntryPointHandle, error) {
	rec, err := s.load(KeyEntryPointHandle)
	if err != nil || rec == nil {
		return nil, err
	}
	h := notifyapi.EntryPointHandle(rec.Handle)
	return &h, nil
}
