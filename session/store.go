// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"slices"
	"sync"

	"github.com/brumewallet/brumed/storage"
)

// Store keeps sessions.  Persistent sessions live in the user's storage and
// survive a restart, temporary ones and every Status live in memory.
type Store struct {
	sync.Mutex

	persistent storage.Store
	temporary  storage.Store
}

// NewStore returns a Store over the user's storage and an in-memory store.
func NewStore(persistent, temporary storage.Store) *Store {
	return &Store{
		persistent: persistent,
		temporary:  temporary,
	}
}

func (s *Store) storeFor(persist bool) (storage.Store, string) {
	if persist {
		return s.persistent, storage.PersistentSessionsKey
	}
	return s.temporary, storage.TemporarySessionsKey
}

func getIDs(st storage.Store, key string) ([]string, error) {
	var ids []string
	if err := storage.GetCBOR(st, key, &ids); err != nil && !storage.IsNotFound(err) {
		return nil, err
	}
	return ids, nil
}

// Get returns the session with id from either store.
func (s *Store) Get(id string) (*Session, error) {
	s.Lock()
	defer s.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (*Session, error) {
	for _, st := range []storage.Store{s.temporary, s.persistent} {
		sess := new(Session)
		err := storage.GetCBOR(st, storage.SessionKey(id), sess)
		switch {
		case err == nil:
			return sess, nil
		case !storage.IsNotFound(err):
			return nil, err
		}
	}
	return nil, ErrNoSuchSession
}

// Put writes sess and lists it.  Extension sessions are also indexed by
// origin.
func (s *Store) Put(sess *Session) error {
	s.Lock()
	defer s.Unlock()

	st, listKey := s.storeFor(sess.Persist)
	if err := storage.PutCBOR(st, storage.SessionKey(sess.ID), sess); err != nil {
		return err
	}
	ids, err := getIDs(st, listKey)
	if err != nil {
		return err
	}
	if !slices.Contains(ids, sess.ID) {
		if err = storage.PutCBOR(st, listKey, append(ids, sess.ID)); err != nil {
			return err
		}
	}
	if sess.Kind == KindExtension {
		return storage.PutCBOR(st, storage.SessionByOriginKey(sess.Origin), sess.ID)
	}
	return nil
}

// Delete removes the session with id and returns it.
func (s *Store) Delete(id string) (*Session, error) {
	s.Lock()
	defer s.Unlock()

	sess, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	st, listKey := s.storeFor(sess.Persist)
	if err = st.Delete(storage.SessionKey(id)); err != nil {
		return nil, err
	}
	ids, err := getIDs(st, listKey)
	if err != nil {
		return nil, err
	}
	ids = slices.DeleteFunc(ids, func(v string) bool { return v == id })
	if err = storage.PutCBOR(st, listKey, ids); err != nil {
		return nil, err
	}
	if sess.Kind == KindExtension {
		var indexed string
		key := storage.SessionByOriginKey(sess.Origin)
		if storage.GetCBOR(st, key, &indexed) == nil && indexed == id {
			if err = st.Delete(key); err != nil {
				return nil, err
			}
		}
	}
	return sess, nil
}

// ByOrigin returns the extension session approved for origin, or nil.
func (s *Store) ByOrigin(origin string) (*Session, error) {
	s.Lock()
	defer s.Unlock()

	for _, st := range []storage.Store{s.temporary, s.persistent} {
		var id string
		err := storage.GetCBOR(st, storage.SessionByOriginKey(origin), &id)
		switch {
		case storage.IsNotFound(err):
			continue
		case err != nil:
			return nil, err
		}
		sess, err := s.getLocked(id)
		if err == ErrNoSuchSession {
			continue
		}
		return sess, err
	}
	return nil, nil
}

func (s *Store) list(persist bool) ([]*Session, error) {
	s.Lock()
	defer s.Unlock()

	st, listKey := s.storeFor(persist)
	ids, err := getIDs(st, listKey)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess := new(Session)
		if err = storage.GetCBOR(st, storage.SessionKey(id), sess); err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// ListPersistent returns the persistent sessions in creation order.
func (s *Store) ListPersistent() ([]*Session, error) {
	return s.list(true)
}

// ListTemporary returns the temporary sessions in creation order.
func (s *Store) ListTemporary() ([]*Session, error) {
	return s.list(false)
}

// SetStatus records the transient status of a session.
func (s *Store) SetStatus(status *Status) error {
	return storage.PutCBOR(s.temporary, storage.StatusKey(status.ID), status)
}

// GetStatus returns the status of id, or nil if it has none.
func (s *Store) GetStatus(id string) (*Status, error) {
	status := new(Status)
	err := storage.GetCBOR(s.temporary, storage.StatusKey(id), status)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

// DeleteStatus forgets the status of id.
func (s *Store) DeleteStatus(id string) error {
	err := s.temporary.Delete(storage.StatusKey(id))
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

// PutOrigin records what a script reported about its page.
func (s *Store) PutOrigin(o *Origin) error {
	return storage.PutCBOR(s.persistent, storage.OriginKey(o.Origin), o)
}

// GetOrigin returns the recorded origin data, or nil.
func (s *Store) GetOrigin(origin string) (*Origin, error) {
	o := new(Origin)
	err := storage.GetCBOR(s.persistent, storage.OriginKey(origin), o)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}
