package escrowdb

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Kukks/ark-escrow-demo/escrow"
)

var (
	contractsBucket    = []byte("contracts")
	participantsBucket = []byte("participants")
)

// BoltDB implements DB over a single bbolt file. Records are stored in
// their codec form, one bucket per record kind, keyed by address or party
// key.
type BoltDB struct {
	db *bolt.DB
}

func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(contractsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(participantsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Close() error { return b.db.Close() }

func (b *BoltDB) PutContract(ctx context.Context, c *escrow.Contract) error {
	data, err := escrow.EncodeContract(c)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(contractsBucket)
		if bkt == nil {
			return ErrBucketNotFound
		}
		return bkt.Put([]byte(c.Address), data)
	})
}

func (b *BoltDB) Contract(ctx context.Context, address string) (*escrow.Contract, error) {
	var out *escrow.Contract
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(contractsBucket)
		if bkt == nil {
			return ErrBucketNotFound
		}
		data := bkt.Get([]byte(address))
		if data == nil {
			return ErrContractNotFound
		}
		c, err := escrow.DecodeContract(data)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (b *BoltDB) Contracts(ctx context.Context) ([]*escrow.Contract, error) {
	var out []*escrow.Contract
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(contractsBucket)
		if bkt == nil {
			return ErrBucketNotFound
		}
		return bkt.ForEach(func(k, v []byte) error {
			c, err := escrow.DecodeContract(v)
			if err != nil {
				return fmt.Errorf("contract %s: %w", k, err)
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (b *BoltDB) DeleteContract(ctx context.Context, address string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(contractsBucket)
		if bkt == nil {
			return ErrBucketNotFound
		}
		return bkt.Delete([]byte(address))
	})
}

func (b *BoltDB) PutParticipant(ctx context.Context, p *escrow.Participant) error {
	data, err := escrow.EncodeParticipant(p)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(participantsBucket)
		if bkt == nil {
			return ErrBucketNotFound
		}
		return bkt.Put(p.Key[:], data)
	})
}

func (b *BoltDB) Participants(ctx context.Context) ([]*escrow.Participant, error) {
	var out []*escrow.Participant
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(participantsBucket)
		if bkt == nil {
			return ErrBucketNotFound
		}
		return bkt.ForEach(func(k, v []byte) error {
			p, err := escrow.DecodeParticipant(v)
			if err != nil {
				return fmt.Errorf("participant %x: %w", k, err)
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}
