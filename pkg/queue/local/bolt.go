package local

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	readyBucket = []byte("ready")
	deadBucket  = []byte("dead")
)

// boltStore persists envelopes in a bbolt file so queued readings survive a
// restart. Keys are big-endian sequence numbers, so cursor order is FIFO.
type boltStore struct {
	db      *bolt.DB
	enc     cbor.EncMode
	maxSize int
}

func openBoltStore(path string, capacity int) (*boltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queue dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(readyBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(deadBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue buckets: %w", err)
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db, enc: enc, maxSize: capacity}, nil
}

func (s *boltStore) append(env *envelope) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(readyBucket)
		if s.maxSize > 0 && b.Stats().KeyN >= s.maxSize {
			return ErrFull
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		env.Seq = seq
		return s.put(b, env)
	})
}

func (s *boltStore) next(after uint64) (*envelope, bool, error) {
	var (
		env   *envelope
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(readyBucket).Cursor()
		k, v := c.Seek(itob(after + 1))
		if k == nil {
			return nil
		}
		e, err := decodeEnvelope(v)
		if err != nil {
			return fmt.Errorf("queue entry %d: %w", btoi(k), err)
		}
		env, found = e, true
		return nil
	})
	return env, found, err
}

func (s *boltStore) update(env *envelope) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(readyBucket)
		if b.Get(itob(env.Seq)) == nil {
			return nil
		}
		return s.put(b, env)
	})
}

func (s *boltStore) remove(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(readyBucket).Delete(itob(seq))
	})
}

func (s *boltStore) bury(env *envelope) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(readyBucket).Delete(itob(env.Seq)); err != nil {
			return err
		}
		return s.put(tx.Bucket(deadBucket), env)
	})
}

func (s *boltStore) dead() ([]envelope, error) {
	var out []envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(deadBucket).ForEach(func(k, v []byte) error {
			e, err := decodeEnvelope(v)
			if err != nil {
				return fmt.Errorf("dead entry %d: %w", btoi(k), err)
			}
			out = append(out, *e)
			return nil
		})
	})
	return out, err
}

func (s *boltStore) requeueDead() (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(deadBucket)
		ready := tx.Bucket(readyBucket)
		c := dead.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, err := decodeEnvelope(v)
			if err != nil {
				return fmt.Errorf("dead entry %d: %w", btoi(k), err)
			}
			seq, err := ready.NextSequence()
			if err != nil {
				return err
			}
			e.Seq = seq
			e.Attempts = 0
			e.NotBefore = 0
			e.Reason = ""
			if err := s.put(ready, e); err != nil {
				return err
			}
			n++
		}
		if n == 0 {
			return nil
		}
		if err := tx.DeleteBucket(deadBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(deadBucket)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *boltStore) size() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(readyBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *boltStore) close() error {
	return s.db.Close()
}

func (s *boltStore) put(b *bolt.Bucket, env *envelope) error {
	v, err := s.enc.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return b.Put(itob(env.Seq), v)
}

func decodeEnvelope(v []byte) (*envelope, error) {
	if len(v) == 0 {
		return nil, errors.New("empty record")
	}
	var e envelope
	if err := cbor.Unmarshal(v, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
