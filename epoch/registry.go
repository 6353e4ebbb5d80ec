// Package epoch persists the coordinator identity: a cluster-unique id
// (cruuid) chosen at the first ever start, and an epoch that grows by one
// on every start. Together they tell this coordinator's Xids apart from
// those of any other instance, including earlier incarnations of itself.
package epoch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"

	"xatm/log"
	"xatm/xid"
)

var (
	bucketIdentity = []byte("identity")
	keyCruuid      = []byte("cruuid")
	keyEpoch       = []byte("epoch")
	keyStartedAt   = []byte("started_at")
)

var ErrCorrupt = errors.New("epoch: corrupt registry")

type Registry struct {
	db     *bolt.DB
	cruuid uuid.UUID
	epoch  uint64
}

// Open loads the registry at path, creating it on first use, and advances
// the epoch. Call it exactly once per process start.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open epoch registry %s: %w", path, err)
	}

	r := &Registry{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketIdentity)
		if err != nil {
			return err
		}

		if raw := b.Get(keyCruuid); raw != nil {
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return fmt.Errorf("%w: cruuid: %v", ErrCorrupt, err)
			}
			r.cruuid = id
		} else {
			r.cruuid = uuid.New()
			if err := b.Put(keyCruuid, r.cruuid[:]); err != nil {
				return err
			}
		}

		var prev uint64
		if raw := b.Get(keyEpoch); raw != nil {
			if len(raw) != 8 {
				return fmt.Errorf("%w: epoch length %d", ErrCorrupt, len(raw))
			}
			prev = binary.BigEndian.Uint64(raw)
		}
		r.epoch = prev + 1
		if err := b.Put(keyEpoch, binary.BigEndian.AppendUint64(nil, r.epoch)); err != nil {
			return err
		}
		stamp, _ := time.Now().UTC().MarshalText()
		return b.Put(keyStartedAt, stamp)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("advance epoch: %w", err)
	}

	log.Infof("coordinator identity: cruuid %s, epoch %d", r.cruuid, r.epoch)
	return r, nil
}

// Peek reads the identity at path without advancing the epoch. It is meant
// for offline tooling.
func Peek(path string) (xid.Owner, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return xid.Owner{}, fmt.Errorf("open epoch registry %s: %w", path, err)
	}
	defer db.Close()

	var owner xid.Owner
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		if b == nil {
			return fmt.Errorf("%w: no identity bucket", ErrCorrupt)
		}
		id, err := uuid.FromBytes(b.Get(keyCruuid))
		if err != nil {
			return fmt.Errorf("%w: cruuid: %v", ErrCorrupt, err)
		}
		raw := b.Get(keyEpoch)
		if len(raw) != 8 {
			return fmt.Errorf("%w: epoch", ErrCorrupt)
		}
		owner = xid.Owner{Cruuid: id, Epoch: binary.BigEndian.Uint64(raw)}
		return nil
	})
	return owner, err
}

func (r *Registry) CurrentEpoch() uint64 { return r.epoch }

// Cruuid returns the stable cluster-unique id in its canonical text form.
func (r *Registry) Cruuid() string { return r.cruuid.String() }

// Identity is the owner stamped into every Xid minted during this epoch.
func (r *Registry) Identity() xid.Owner {
	return xid.Owner{Cruuid: r.cruuid, Epoch: r.epoch}
}

func (r *Registry) Close() error {
	return r.db.Close()
}
