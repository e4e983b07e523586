package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/atmx/tranche-engine/internal/model"
	"github.com/atmx/tranche-engine/internal/snapshot"
)

var (
	bucketLedgers    = []byte("ledgers")
	bucketRegistries = []byte("registries")
	bucketDeposits   = []byte("deposits") // one nested bucket per ledger
	bucketEvents     = []byte("events")
)

// BoltStore implements Store on an embedded bbolt file. Ledger, registry
// and deposit records use the snapshot codec; events are JSON keyed by a
// monotonic sequence.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens or creates the bbolt database at dbPath.
// The parent directory is created if it does not exist.
func OpenBoltStore(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketLedgers, bucketRegistries, bucketDeposits, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

// seqKey encodes an id as an 8-byte big-endian key so cursors walk in order.
func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func (s *BoltStore) SaveLedger(_ context.Context, st *model.LedgerState) error {
	data, err := snapshot.EncodeLedger(*st)
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", st.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLedgers).Put([]byte(st.ID), data)
	})
}

func (s *BoltStore) GetLedger(_ context.Context, id string) (*model.LedgerState, error) {
	var st model.LedgerState
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketLedgers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("ledger %s: %w", id, ErrNotFound)
		}
		var err error
		st, err = snapshot.DecodeLedger(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) SaveRegistry(_ context.Context, st *model.RegistryState) error {
	data, err := snapshot.EncodeRegistry(*st)
	if err != nil {
		return fmt.Errorf("encode registry %s: %w", st.Ledger, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRegistries).Put([]byte(st.Ledger), data)
	})
}

func (s *BoltStore) GetRegistry(_ context.Context, ledger string) (*model.RegistryState, error) {
	var st model.RegistryState
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRegistries).Get([]byte(ledger))
		if data == nil {
			return fmt.Errorf("registry %s: %w", ledger, ErrNotFound)
		}
		var err error
		st, err = snapshot.DecodeRegistry(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) SaveDeposit(_ context.Context, d *model.PendingDeposit) error {
	data, err := snapshot.EncodeDeposit(*d)
	if err != nil {
		return fmt.Errorf("encode deposit %s/%d: %w", d.Ledger, d.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketDeposits).CreateBucketIfNotExists([]byte(d.Ledger))
		if err != nil {
			return fmt.Errorf("create deposit bucket %s: %w", d.Ledger, err)
		}
		return b.Put(seqKey(d.ID), data)
	})
}

func (s *BoltStore) GetDeposit(_ context.Context, ledger string, id uint64) (*model.PendingDeposit, error) {
	var d model.PendingDeposit
	err := s.db.View(func(tx *bbolt.Tx) error {
		var data []byte
		if b := tx.Bucket(bucketDeposits).Bucket([]byte(ledger)); b != nil {
			data = b.Get(seqKey(id))
		}
		if data == nil {
			return fmt.Errorf("deposit %s/%d: %w", ledger, id, ErrNotFound)
		}
		var err error
		d, err = snapshot.DecodeDeposit(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) ListDeposits(_ context.Context, ledger string) ([]model.PendingDeposit, error) {
	var deposits []model.PendingDeposit
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeposits).Bucket([]byte(ledger))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			d, err := snapshot.DecodeDeposit(v)
			if err != nil {
				return err
			}
			deposits = append(deposits, d)
			return nil
		})
	})
	return deposits, err
}

func (s *BoltStore) InsertEvent(_ context.Context, e *model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func (s *BoltStore) ListEvents(_ context.Context, ledger string, limit int) ([]model.Event, error) {
	var events []model.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		// Walk backwards so a limit only reads the tail.
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e model.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode event %x: %w", k, err)
			}
			if ledger != "" && e.Ledger != ledger {
				continue
			}
			events = append(events, e)
			if limit > 0 && len(events) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
