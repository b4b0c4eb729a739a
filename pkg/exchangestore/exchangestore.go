// Package exchangestore persists the context of server messages that
// carry an operation-id. When the eventual operation-result is about
// to be sent, the recorded context tells us which secure-id the request
// was addressed to: results computed for a previous registration are
// stale and must be dropped. Contexts live in their own bbolt database
// so a resynchronize can purge them atomically without touching the
// message store.
package exchangestore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketContexts = []byte("message_contexts")

// MessageContext records where a server operation request came from.
type MessageContext struct {
	OperationID int64  `json:"operation-id"`
	SecureID    string `json:"secure-id"`
	MessageType string `json:"message-type"`
	Timestamp   int64  `json:"timestamp"`
}

// Store is a bbolt-backed message context store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the exchange database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("exchangestore: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContexts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("exchangestore: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddMessageContext records the context of a server message. Recording
// the same operation-id twice is an error: operation ids are unique per
// server message.
func (s *Store) AddMessageContext(operationID int64, secureID, messageType string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContexts)
		key := contextKey(operationID)
		if b.Get(key) != nil {
			return fmt.Errorf("exchangestore: duplicate operation-id %d", operationID)
		}
		data, err := json.Marshal(&MessageContext{
			OperationID: operationID,
			SecureID:    secureID,
			MessageType: messageType,
			Timestamp:   time.Now().Unix(),
		})
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// GetMessageContext returns the recorded context for operationID, or
// nil when none exists.
func (s *Store) GetMessageContext(operationID int64) (*MessageContext, error) {
	var ctx *MessageContext
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContexts).Get(contextKey(operationID))
		if data == nil {
			return nil
		}
		ctx = &MessageContext{}
		return json.Unmarshal(data, ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("exchangestore: %w", err)
	}
	return ctx, nil
}

// AllOperationIDs lists every recorded operation-id in key order.
func (s *Store) AllOperationIDs() ([]int64, error) {
	var ids []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContexts).ForEach(func(k, v []byte) error {
			ids = append(ids, int64(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("exchangestore: %w", err)
	}
	return ids, nil
}

// DeleteMessageContext removes the context for operationID; removing
// an absent context is a no-op.
func (s *Store) DeleteMessageContext(operationID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContexts).Delete(contextKey(operationID))
	})
}

// DeleteAll wipes every context; called on resynchronize.
func (s *Store) DeleteAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketContexts); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketContexts)
		return err
	})
}

func contextKey(operationID int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(operationID))
	return key
}
