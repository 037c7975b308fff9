package bridge

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

var (
	bucketOutbox = []byte("outbox")
	bucketDedup  = []byte("dedup")
)

// Outbox persists guaranteed-class messages until the service has
// accepted them, and remembers the last processed message ID per
// (runID, kind) so dual-path redeliveries are dropped even across a
// process restart.
type Outbox struct {
	db *bolt.DB
}

// OpenOutbox opens the outbox database at path, creating buckets as
// needed.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketOutbox, bucketDedup} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Outbox{db: db}, nil
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Enqueue appends msg to the delivery backlog in FIFO order.
func (o *Outbox) Enqueue(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode outbox message: %w", err)
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], data)
	})
}

// Drain delivers the backlog in order via send, deleting entries as
// they are accepted. It stops at the first failure, leaving the rest
// for the next attempt, and returns how many were delivered.
func (o *Outbox) Drain(send func(protocol.Message) error) (int, error) {
	type entry struct {
		key []byte
		msg protocol.Message
	}
	var backlog []entry
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			msg, err := protocol.Decode(v)
			if err != nil {
				return fmt.Errorf("decode outbox entry: %w", err)
			}
			backlog = append(backlog, entry{key: append([]byte{}, k...), msg: msg})
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	var delivered [][]byte
	var sendErr error
	for _, e := range backlog {
		if sendErr = send(e.msg); sendErr != nil {
			break
		}
		delivered = append(delivered, e.key)
	}
	if len(delivered) > 0 {
		err = o.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketOutbox)
			for _, k := range delivered {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return len(delivered), err
		}
	}
	return len(delivered), sendErr
}

// Depth returns the number of messages awaiting delivery.
func (o *Outbox) Depth() int {
	var n int
	o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketOutbox).Stats().KeyN
		return nil
	})
	return n
}

// Seen reports whether id was already processed for (runID, kind) and
// records it otherwise. One cache serves both directions, so a message
// this device sent and later receives back off the channel is also
// recognized.
func (o *Outbox) Seen(runID string, kind protocol.Kind, id string) bool {
	if id == "" {
		return false
	}
	key := []byte(runID + "|" + string(kind))
	dup := false
	o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		if string(b.Get(key)) == id {
			dup = true
			return nil
		}
		return b.Put(key, []byte(id))
	})
	return dup
}
