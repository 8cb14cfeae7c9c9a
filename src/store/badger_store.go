package store

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

const (
	pairingPrefix   = "pairing"
	recordPrefix    = "record"
	highWaterPrefix = "hwm"
)

// BadgerStore implements the Store interface on top of a badger database.
// Reads are served from an InmemStore loaded when the database is opened.
type BadgerStore struct {
	inmemStore *InmemStore
	db         *badger.DB
	path       string
}

// NewBadgerStore opens, or creates, the database in path and loads its content
// into memory.
func NewBadgerStore(path string, logger *logrus.Entry) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = badgerLogger{logger}

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: NewInmemStore(),
		db:         handle,
		path:       path,
	}

	if err := store.load(); err != nil {
		handle.Close()
		return nil, err
	}

	return store, nil
}

// StorePath returns the directory of the database.
func (s *BadgerStore) StorePath() string {
	return s.path
}

//==============================================================================
//Keys

func pairingKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", pairingPrefix, id))
}

func recordKey(entityID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", recordPrefix, entityID))
}

func highWaterKey(pairingID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", highWaterPrefix, pairingID))
}

//==============================================================================
//Implement the Store interface

// SetPairing implements the Store interface.
func (s *BadgerStore) SetPairing(p Pairing) error {
	if err := s.dbSet(pairingKey(p.ID), p); err != nil {
		return err
	}
	return s.inmemStore.SetPairing(p)
}

// GetPairing implements the Store interface.
func (s *BadgerStore) GetPairing(id string) (Pairing, error) {
	return s.inmemStore.GetPairing(id)
}

// Pairings implements the Store interface.
func (s *BadgerStore) Pairings() ([]Pairing, error) {
	return s.inmemStore.Pairings()
}

// DeletePairing implements the Store interface.
func (s *BadgerStore) DeletePairing(id string) error {
	if _, err := s.inmemStore.GetPairing(id); err != nil {
		return err
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Delete(pairingKey(id)); err != nil {
		return err
	}
	if err := tx.Delete(highWaterKey(id)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	return s.inmemStore.DeletePairing(id)
}

// SetRecord implements the Store interface.
func (s *BadgerStore) SetRecord(r wire.ChangeRecord) error {
	if err := s.dbSet(recordKey(r.EntityID), r); err != nil {
		return err
	}
	return s.inmemStore.SetRecord(r)
}

// GetRecord implements the Store interface.
func (s *BadgerStore) GetRecord(entityID string) (wire.ChangeRecord, error) {
	return s.inmemStore.GetRecord(entityID)
}

// Records implements the Store interface.
func (s *BadgerStore) Records() ([]wire.ChangeRecord, error) {
	return s.inmemStore.Records()
}

// SetHighWater implements the Store interface.
func (s *BadgerStore) SetHighWater(pairingID string, hw HighWater) error {
	if err := s.inmemStore.SetHighWater(pairingID, hw); err != nil {
		return err
	}
	cur, _ := s.inmemStore.GetHighWater(pairingID)
	return s.dbSet(highWaterKey(pairingID), cur)
}

// GetHighWater implements the Store interface.
func (s *BadgerStore) GetHighWater(pairingID string) (HighWater, error) {
	return s.inmemStore.GetHighWater(pairingID)
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	if err := s.inmemStore.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//DB Methods

func (s *BadgerStore) dbSet(key []byte, v interface{}) error {
	val, err := wire.Encode(v)
	if err != nil {
		return err
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(key, val); err != nil {
		return err
	}
	return tx.Commit()
}

// dbScan calls fn with the key and value of every item under prefix.
func (s *BadgerStore) dbScan(prefix string, fn func(key, val []byte) error) error {
	p := []byte(prefix + "_")
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// load fills the InmemStore from the database.
func (s *BadgerStore) load() error {
	err := s.dbScan(pairingPrefix, func(key, val []byte) error {
		var p Pairing
		if err := wire.Decode(val, &p); err != nil {
			return cm.NewStoreErr("BadgerStore", cm.Corrupted, string(key))
		}
		return s.inmemStore.SetPairing(p)
	})
	if err != nil {
		return err
	}

	err = s.dbScan(recordPrefix, func(key, val []byte) error {
		var r wire.ChangeRecord
		if err := wire.Decode(val, &r); err != nil {
			return cm.NewStoreErr("BadgerStore", cm.Corrupted, string(key))
		}
		return s.inmemStore.SetRecord(r)
	})
	if err != nil {
		return err
	}

	return s.dbScan(highWaterPrefix, func(key, val []byte) error {
		var hw HighWater
		if err := wire.Decode(val, &hw); err != nil {
			return cm.NewStoreErr("BadgerStore", cm.Corrupted, string(key))
		}
		id := string(key[len(highWaterPrefix)+1:])
		return s.inmemStore.SetHighWater(id, hw)
	})
}

// badgerLogger routes badger's logs into logrus at one level lower, badger
// being chatty at Info.
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Entry.Debugf(format, args...)
}
