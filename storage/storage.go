// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage is the key-value state of the daemon.  Values are opaque
// bytes, usually CBOR, and every write is observable through Subscribe.
package storage

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/brumewallet/brumed/core/event"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("storage: not found")

	// ErrClosed is returned once the store is closed.
	ErrClosed = errors.New("storage: closed")
)

// Change describes one write.
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Store is a key-value store with change notifications.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error

	// Subscribe calls fn for every change of key, or of every key if key
	// is empty.
	Subscribe(key string, fn func(Change)) *event.Subscription

	Close() error
}

type notifier struct {
	topic event.Topic[Change]
}

func (n *notifier) subscribe(key string, fn func(Change)) *event.Subscription {
	return n.topic.Subscribe(func(c Change) {
		if key == "" || c.Key == key {
			fn(c)
		}
	})
}

func (n *notifier) set(key string, value []byte) {
	n.topic.Publish(Change{Key: key, Value: value})
}

func (n *notifier) delete(key string) {
	n.topic.Publish(Change{Key: key, Deleted: true})
}

// GetCBOR decodes the value of key into v.
func GetCBOR(s Store, key string, v any) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(raw, v)
}

// PutCBOR encodes v as the value of key.
func PutCBOR(s Store, key string, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, raw)
}

// IsNotFound returns true for a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Key builders.  Keys are namespaced by kind.
const (
	UsersKey              = "users"
	CurrentUserKey        = "user"
	WalletsKey            = "wallets"
	SeedsKey              = "seeds"
	PersistentSessionsKey = "persistentSessions"
	TemporarySessionsKey  = "temporarySessions"
	RequestsKey           = "requests"
	LogsSettingKey        = "settings/logs"
	PathKey               = "path"
)

func UserKey(uuid string) string { return "user/" + uuid }
func WalletKey(uuid string) string { return "wallet/" + uuid }
func SeedKey(uuid string) string { return "seed/" + uuid }
func SessionKey(id string) string { return "sessions/" + id }
func StatusKey(id string) string { return "status/" + id }
func RequestKey(id string) string { return "requests/" + id }
func OriginKey(origin string) string { return "origin/" + origin }

// SessionByOriginKey indexes a persistent session by its origin.
func SessionByOriginKey(origin string) string { return "sessionByOrigin/" + origin }
