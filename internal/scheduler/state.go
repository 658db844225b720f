package scheduler

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// StateStore persists the time the last round was started.
type StateStore interface {
	LastRunAt(ctx context.Context) (time.Time, error)
	SetLastRunAt(ctx context.Context, at time.Time) error
}

// MemoryState forgets the last run on restart, so a restarted leader
// starts a round right away.
type MemoryState struct {
	mu   sync.Mutex
	last time.Time
}

func (m *MemoryState) LastRunAt(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

func (m *MemoryState) SetLastRunAt(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = at
	return nil
}

var (
	stateBucket = []byte("scheduler")
	lastRunKey  = []byte("last-run-at")
)

// BoltState keeps the last run in a bbolt file.
type BoltState struct {
	db *bbolt.DB
}

func OpenBoltState(path string) (*BoltState, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("failed to open state db: %v", err)
	}
	return &BoltState{db: db}, nil
}

func (b *BoltState) LastRunAt(context.Context) (time.Time, error) {
	var at time.Time
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(stateBucket)
		if bucket == nil {
			return nil
		}
		v := bucket.Get(lastRunKey)
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return xerrors.Errorf("malformed last run value of %d bytes", len(v))
		}
		at = time.UnixMilli(int64(binary.BigEndian.Uint64(v)))
		return nil
	})
	return at, err
}

func (b *BoltState) SetLastRunAt(_ context.Context, at time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(stateBucket)
		if err != nil {
			return xerrors.Errorf("failed to create bucket: %v", err)
		}
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, uint64(at.UnixMilli()))
		return bucket.Put(lastRunKey, v)
	})
}

func (b *BoltState) Close() error {
	return b.db.Close()
}
