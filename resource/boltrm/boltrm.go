// Package boltrm is a key-value resource manager on a bolt file. Writes are
// staged in memory per branch; prepare moves them into the file so that a
// prepared branch survives a restart and is reported by Recover.
package boltrm

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"xatm/log"
	"xatm/resource"
	"xatm/xid"
)

var (
	bucketData     = []byte("data")
	bucketPrepared = []byte("prepared")
)

type Store struct {
	name string
	db   *bolt.DB

	mu     sync.Mutex
	staged map[xid.Xid]map[string][]byte
	closed bool
}

// Open opens or creates the store at path.
func Open(path, name string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	opts := *bolt.DefaultOptions
	opts.Timeout = time.Second
	db, err := bolt.Open(path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketData); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPrepared)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store %s: %w", path, err)
	}
	return &Store{
		name:   name,
		db:     db,
		staged: make(map[xid.Xid]map[string][]byte),
	}, nil
}

func (s *Store) Name() string { return s.name }

// Close drops every unprepared branch.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.staged = nil
	return s.db.Close()
}

type factory struct {
	id string
	s  *Store
}

func (f *factory) ID() string { return f.id }

func (f *factory) ResourceManager() string { return f.s.name }

func (f *factory) Open(ctx context.Context) (resource.Resource, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.closed {
		return nil, resource.NewXAError(resource.ErrRMFail, "store %s closed", f.s.name)
	}
	return f.s, nil
}

func (s *Store) Factory(id string) resource.Factory {
	return &factory{id: id, s: s}
}

func (s *Store) Start(ctx context.Context, x xid.Xid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return resource.NewXAError(resource.ErrRMFail, "store %s closed", s.name)
	}
	if _, ok := s.staged[x]; ok {
		return resource.NewXAError(resource.ErrDupID, "branch %s already started", x)
	}
	s.staged[x] = make(map[string][]byte)
	return nil
}

// Put stages a write under branch x. It becomes visible to Get once the
// branch commits.
func (s *Store) Put(x xid.Xid, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	writes, ok := s.staged[x]
	if !ok {
		return resource.NewXAError(resource.ErrOutside, "branch %s not started", x)
	}
	writes[key] = append([]byte(nil), value...)
	return nil
}

// Get returns the committed value of key.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketData).Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, value != nil, err
}

func (s *Store) take(x xid.Xid) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, resource.NewXAError(resource.ErrRMFail, "store %s closed", s.name)
	}
	writes, ok := s.staged[x]
	if ok {
		delete(s.staged, x)
	}
	return writes, nil
}

// restage puts back the writes of a branch whose commit did not reach the
// file, so that the commit can be repeated.
func (s *Store) restage(x xid.Xid, writes map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.staged[x]; !ok {
		s.staged[x] = writes
	}
}

func (s *Store) Prepare(ctx context.Context, x xid.Xid) (resource.Vote, error) {
	writes, err := s.take(x)
	if err != nil {
		return resource.VoteNone, err
	}
	if writes == nil {
		return resource.VoteNone, resource.NewXAError(resource.ErrNotA, "unknown branch %s", x)
	}
	if len(writes) == 0 {
		return resource.VoteReadOnly, nil
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketPrepared).CreateBucket(branchKey(x))
		if err != nil {
			return err
		}
		for k, v := range writes {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return resource.VoteNone, resource.NewXAError(resource.RBOther, "persist branch %s: %v", x, err)
	}
	log.Debugf("%s prepared %s with %d writes", s.name, x, len(writes))
	return resource.VotePrepared, nil
}

func (s *Store) Commit(ctx context.Context, x xid.Xid, onePhase bool) error {
	if onePhase {
		writes, err := s.take(x)
		if err != nil {
			return err
		}
		if writes == nil {
			return resource.NewXAError(resource.ErrNotA, "unknown branch %s", x)
		}
		err = s.update(func(tx *bolt.Tx) error {
			data := tx.Bucket(bucketData)
			for k, v := range writes {
				if err := data.Put([]byte(k), v); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.restage(x, writes)
			return fmt.Errorf("commit %s: %w", x, err)
		}
		return nil
	}

	return s.update(func(tx *bolt.Tx) error {
		prepared := tx.Bucket(bucketPrepared)
		b := prepared.Bucket(branchKey(x))
		if b == nil {
			return resource.NewXAError(resource.ErrNotA, "branch %s not prepared", x)
		}
		data := tx.Bucket(bucketData)
		if err := b.ForEach(func(k, v []byte) error {
			return data.Put(k, v)
		}); err != nil {
			return err
		}
		return prepared.DeleteBucket(branchKey(x))
	})
}

func (s *Store) Rollback(ctx context.Context, x xid.Xid) error {
	writes, err := s.take(x)
	if err != nil {
		return err
	}
	if writes != nil {
		return nil
	}
	return s.update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketPrepared).DeleteBucket(branchKey(x))
		if err == bolt.ErrBucketNotFound {
			return resource.NewXAError(resource.ErrNotA, "unknown branch %s", x)
		}
		return err
	})
}

// Forget always answers XAER_NOTA: the store never completes a branch on
// its own.
func (s *Store) Forget(ctx context.Context, x xid.Xid) error {
	return resource.NewXAError(resource.ErrNotA, "no heuristic outcome for %s", x)
}

// Recover yields the prepared branches in key order.
func (s *Store) Recover(ctx context.Context) iter.Seq2[xid.Xid, error] {
	return func(yield func(xid.Xid, error) bool) {
		var held []xid.Xid
		err := s.view(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketPrepared).ForEach(func(k, _ []byte) error {
				x, _, err := xid.ReadBinary(k)
				if err != nil {
					return fmt.Errorf("decode prepared branch: %w", err)
				}
				held = append(held, x)
				return nil
			})
		})
		if err != nil {
			yield(xid.Xid{}, err)
			return
		}
		for _, x := range held {
			if err := ctx.Err(); err != nil {
				yield(xid.Xid{}, err)
				return
			}
			if !yield(x, nil) {
				return
			}
		}
	}
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return resource.NewXAError(resource.ErrRMFail, "store %s closed", s.name)
	}
	return nil
}

func branchKey(x xid.Xid) []byte {
	return xid.AppendBinary(nil, x)
}

var (
	_ resource.Resource = (*Store)(nil)
	_ resource.Starter  = (*Store)(nil)
)
