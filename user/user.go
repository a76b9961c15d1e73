// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package user manages user records and unlocks a user's sealed storage.
package user

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/argon2"

	"github.com/brumewallet/brumed/storage"
)

var (
	ErrBadPassword = errors.New("user: invalid password")
	ErrNoSuchUser  = errors.New("user: no such user")
	ErrExists      = errors.New("user: already exists")
)

const saltSize = 16

var checkValue = []byte("brumed user check")

// KDF holds the argon2id parameters a user was created with.
type KDF struct {
	Time    uint32 `cbor:"time"`
	Memory  uint32 `cbor:"memory"`
	Threads uint8  `cbor:"threads"`
}

// DefaultKDF is used for new users.
var DefaultKDF = KDF{Time: 2, Memory: 64 * 1024, Threads: 4}

// User is the stored record of a user.
type User struct {
	UUID  string `cbor:"uuid"`
	Name  string `cbor:"name"`
	Color int    `cbor:"color"`
	Emoji string `cbor:"emoji,omitempty"`

	KDF   KDF    `cbor:"kdf"`
	Salt  []byte `cbor:"salt"`
	Check []byte `cbor:"check"`
}

// Ref is the entry of a user in the users list.
type Ref struct {
	UUID string `cbor:"uuid"`
}

// Init is what the foreground sends to create a user.
type Init struct {
	UUID     string `cbor:"uuid"`
	Name     string `cbor:"name"`
	Color    int    `cbor:"color"`
	Emoji    string `cbor:"emoji,omitempty"`
	Password string `cbor:"password"`
}

// Directory creates and unlocks users kept in a global store.
type Directory struct {
	mu sync.Mutex

	store storage.Store
	kdf   KDF
}

// NewDirectory returns a Directory over store, using kdf for new users.
func NewDirectory(store storage.Store, kdf KDF) *Directory {
	return &Directory{store: store, kdf: kdf}
}

// List returns the users in creation order.
func (d *Directory) List() ([]Ref, error) {
	var refs []Ref
	err := storage.GetCBOR(d.store, storage.UsersKey, &refs)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	return refs, err
}

// Get returns the record of one user.
func (d *Directory) Get(id string) (*User, error) {
	u := new(User)
	err := storage.GetCBOR(d.store, storage.UserKey(id), u)
	if storage.IsNotFound(err) {
		return nil, ErrNoSuchUser
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Create stores a new user and appends it to the users list.
func (d *Directory) Create(init *Init) (*User, error) {
	if init.Name == "" || init.Password == "" {
		return nil, errors.New("user: name and password are required")
	}
	id := init.UUID
	if id == "" {
		id = uuid.NewString()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.Get(id); err == nil {
		return nil, ErrExists
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	u := &User{
		UUID:  id,
		Name:  init.Name,
		Color: init.Color,
		Emoji: init.Emoji,
		KDF:   d.kdf,
		Salt:  salt,
	}

	sealed, err := d.open(u, init.Password)
	if err != nil {
		return nil, err
	}
	if u.Check, err = sealed.Seal(checkValue, []byte(u.UUID)); err != nil {
		return nil, err
	}

	refs, err := d.List()
	if err != nil {
		return nil, err
	}
	if err := storage.PutCBOR(d.store, storage.UserKey(id), u); err != nil {
		return nil, err
	}
	refs = append(refs, Ref{UUID: id})
	if err := storage.PutCBOR(d.store, storage.UsersKey, refs); err != nil {
		return nil, err
	}
	return u, nil
}

// Unlock verifies password and returns the user's session.
func (d *Directory) Unlock(id, password string) (*Session, error) {
	u, err := d.Get(id)
	if err != nil {
		return nil, err
	}
	sealed, err := d.open(u, password)
	if err != nil {
		return nil, err
	}
	check, err := sealed.Open(u.Check, []byte(u.UUID))
	if err != nil || subtle.ConstantTimeCompare(check, checkValue) != 1 {
		return nil, ErrBadPassword
	}
	return &Session{User: u, Storage: sealed}, nil
}

func (d *Directory) open(u *User, password string) (*storage.Sealed, error) {
	key := argon2.IDKey([]byte(password), u.Salt, u.KDF.Time, u.KDF.Memory, u.KDF.Threads, storage.SealedKeySize)
	sealed, err := storage.NewSealed(d.store, "u/"+u.UUID, key)
	if err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	return sealed, nil
}

// Session is an unlocked user.
type Session struct {
	User    *User
	Storage *storage.Sealed
}

var encryptAD = []byte("brume_encrypt")

// Encrypt seals plaintext for the foreground with the user's key.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	return s.Storage.Seal(plaintext, encryptAD)
}

// Decrypt opens a value produced by Encrypt.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	return s.Storage.Open(ciphertext, encryptAD)
}
