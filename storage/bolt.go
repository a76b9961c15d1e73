// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/brumewallet/brumed/core/event"
)

const (
	metadataBucket = "metadata"
	stateBucket    = "state"
	versionKey     = "version"
)

// Bolt is a Store backed by a bbolt database file.
type Bolt struct {
	notifier

	db *bolt.DB
}

// NewBolt creates (or loads) the database file f.
func NewBolt(f string) (*Bolt, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exists, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(stateBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("storage: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

func (s *Bolt) Get(key string) ([]byte, error) {
	var v []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(stateBucket)).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		v = append([]byte(nil), raw...)
		return nil
	})
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return nil, ErrClosed
	}
	return v, err
}

func (s *Bolt) Set(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(stateBucket)).Put([]byte(key), value)
	})
	if err != nil {
		return err
	}
	s.set(key, value)
	return nil
}

func (s *Bolt) Delete(key string) error {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(stateBucket))
		existed = bkt.Get([]byte(key)) != nil
		return bkt.Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	if existed {
		s.delete(key)
	}
	return nil
}

func (s *Bolt) Subscribe(key string, fn func(Change)) *event.Subscription {
	return s.subscribe(key, fn)
}

func (s *Bolt) Close() error {
	s.db.Sync()
	return s.db.Close()
}

var _ Store = (*Bolt)(nil)
