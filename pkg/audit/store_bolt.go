package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/pipeops/hypervisor-control-plane/pkg/domain"
	"go.etcd.io/bbolt"
)

var eventsBucket = []byte("events")

// BoltStore is a durable append-only Store backed by go.etcd.io/bbolt.
// Grounded on phenix's BoltDB (phenix/store/bolt.go): a single
// *bbolt.DB, bucket-scoped JSON-marshaled entries, Update/View
// transactions. Entries are keyed by bucket.NextSequence() so indices
// are stable, durable, and strictly increasing across restarts.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if necessary) a bolt database at path
// and ensures its events bucket exists.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, domain.NewError(domain.ErrKindTransport, "opening bolt store", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, domain.NewError(domain.ErrKindTransport, "initializing bolt bucket", err)
	}

	return &BoltStore{db: db}, nil
}

// Close releases the underlying bolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Append(entry domain.AuditEnvelope) (int, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, domain.NewError(domain.ErrKindValidationFailed, "marshaling audit envelope", err)
	}

	var index int
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		index = int(seq) - 1
		return b.Put(itob(seq), data)
	})
	if err != nil {
		return 0, domain.NewError(domain.ErrKindTransport, "appending audit event", err)
	}
	return index, nil
}

func (s *BoltStore) Length() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(eventsBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, domain.NewError(domain.ErrKindTransport, "reading bolt store length", err)
	}
	return n, nil
}

func (s *BoltStore) Get(i int) (domain.AuditEnvelope, error) {
	var entry domain.AuditEnvelope
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		data := b.Get(itob(uint64(i + 1)))
		if data == nil {
			return domain.NewError(domain.ErrKindNotFound, fmt.Sprintf("no audit event at index %d", i), nil)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return domain.AuditEnvelope{}, err
	}
	return entry, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
