// Package bolt persists a raft node's term, vote and log in a
// boltdb file, so a restarted daemon rejoins the cluster with its
// state intact.
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/svcreg/svcreg/raft"
)

var (
	stateBucket = []byte("statev1")
	logBucket   = []byte("logv1")

	termKey     = []byte("term")
	votedForKey = []byte("votedFor")
)

// Store is a raft.Storage backed by a boltdb file.
type Store struct {
	// Path of the boltdb file. Must be set before Open.
	Path string

	db     *bolt.DB
	logger *zap.Logger
}

// NewStore returns a store for the given path.
func NewStore(path string) *Store {
	return &Store{
		Path:   path,
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger for the store.
func (s *Store) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("store", "bolt"))
}

// Open creates or opens the boltdb file and its buckets.
func (s *Store) Open() error {
	db, err := bolt.Open(s.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return errors.Wrap(err, "unable to open boltdb file")
	}
	s.db = db

	if err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(stateBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return errors.Wrap(err, "unable to initialize buckets")
	}

	s.logger.Info("Opened raft store", zap.String("path", s.Path))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveState stores the current term and vote atomically.
func (s *Store) SaveState(term uint64, votedFor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket)
		if err := b.Put(termKey, u64tob(term)); err != nil {
			return err
		}
		return b.Put(votedForKey, []byte(votedFor))
	})
}

// AppendEntries adds entries to the end of the stored log, keyed by
// big-endian index so bucket order matches log order.
func (s *Store) AppendEntries(entries ...raft.LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		for _, e := range entries {
			buf, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(u64tob(e.Index), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// TruncateEntries removes all stored entries with index >= from.
func (s *Store) TruncateEntries(from uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, _ := c.Seek(u64tob(from)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load restores the persisted state. A fresh store returns a zero
// state.
func (s *Store) Load() (*raft.PersistentState, error) {
	var state raft.PersistentState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(stateBucket)
		if v := b.Get(termKey); v != nil {
			state.Term = btou64(v)
		}
		if v := b.Get(votedForKey); v != nil {
			state.VotedFor = string(v)
		}

		return tx.Bucket(logBucket).ForEach(func(k, v []byte) error {
			var e raft.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.Wrapf(err, "corrupt log entry at index %d", btou64(k))
			}
			state.Entries = append(state.Entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// u64tob converts a uint64 into an 8-byte big-endian slice.
func u64tob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// btou64 converts an 8-byte big-endian slice into a uint64.
func btou64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
