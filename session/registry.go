// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/brumewallet/brumed/channel"
	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/popup"
	"github.com/brumewallet/brumed/wallet"
)

// Approval is the user's answer to an eth_requestAccounts prompt.
type Approval struct {
	Persist bool
	ChainID int64
	Wallets []wallet.Ref
}

// Env is what the registry needs from the daemon.
type Env interface {
	// Store returns the session store of the unlocked user, or ErrLocked.
	Store() (*Store, error)

	// WaitUnlock shows the popup and waits until a user is unlocked.
	WaitUnlock(ctx context.Context, anchor popup.Point) error

	// RequestAccounts asks the user to approve origin.
	RequestAccounts(ctx context.Context, origin *Origin, anchor popup.Point) (*Approval, error)
}

type binding struct {
	id   string
	port channel.Port
	sub  *event.Subscription
}

// Registry binds script ports to sessions.  A port is bound to at most one
// session and a session may have many ports.
type Registry struct {
	sync.Mutex

	env Env
	log *logging.Logger

	slots       map[string]*sync.Mutex
	bindings    map[string]*binding
	subscribers map[string]map[string]channel.Port
}

// NewRegistry returns an empty Registry.
func NewRegistry(env Env, backend *log.Backend) *Registry {
	return &Registry{
		env:         env,
		log:         backend.GetLogger("session"),
		slots:       make(map[string]*sync.Mutex),
		bindings:    make(map[string]*binding),
		subscribers: make(map[string]map[string]channel.Port),
	}
}

func (r *Registry) slot(name string) *sync.Mutex {
	r.Lock()
	defer r.Unlock()
	m, ok := r.slots[name]
	if !ok {
		m = new(sync.Mutex)
		r.slots[name] = m
	}
	return m
}

// Bound returns the id of the session port is bound to.
func (r *Registry) Bound(port channel.Port) (string, bool) {
	r.Lock()
	defer r.Unlock()
	b, ok := r.bindings[port.Name()]
	if !ok {
		return "", false
	}
	return b.id, true
}

// Subscribers returns the ports bound to session id.
func (r *Registry) Subscribers(id string) []channel.Port {
	r.Lock()
	defer r.Unlock()
	ports := make([]channel.Port, 0, len(r.subscribers[id]))
	for _, p := range r.subscribers[id] {
		ports = append(ports, p)
	}
	return ports
}

// Get returns the session port is bound to, establishing one if needed.
// Without force it never prompts and returns nil when port has no session.
// Concurrent calls for the same port are serialized.
func (r *Registry) Get(ctx context.Context, port channel.Port, anchor popup.Point, force bool) (*Session, error) {
	m := r.slot(port.Name())
	m.Lock()
	defer m.Unlock()

	if id, ok := r.Bound(port); ok {
		store, err := r.env.Store()
		if err != nil {
			return nil, err
		}
		return store.Get(id)
	}

	res, err := port.Request(ctx, "brume_origin", nil)
	if err != nil {
		return nil, err
	}
	origin := new(Origin)
	if err = res.Decode(origin); err != nil {
		return nil, err
	}

	store, err := r.env.Store()
	if err == ErrLocked {
		if !force {
			return nil, nil
		}
		if err = r.env.WaitUnlock(ctx, anchor); err != nil {
			return nil, err
		}
		store, err = r.env.Store()
	}
	if err != nil {
		return nil, err
	}

	if err = store.PutOrigin(origin); err != nil {
		return nil, err
	}

	sess, err := store.ByOrigin(origin.Origin)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		if err = r.bind(store, port, sess.ID); err != nil {
			return nil, err
		}
		if sess.ChainID != wallet.MainnetID {
			if err = notifyChain(ctx, port, sess.ChainID); err != nil {
				return nil, err
			}
		}
		return sess, nil
	}

	if !force {
		return nil, nil
	}

	approval, err := r.env.RequestAccounts(ctx, origin, anchor)
	if err != nil {
		return nil, err
	}
	sess = &Session{
		Kind:    KindExtension,
		ID:      channel.NewID(),
		Origin:  origin.Origin,
		Persist: approval.Persist,
		Wallets: approval.Wallets,
		ChainID: approval.ChainID,
	}
	if err = store.Put(sess); err != nil {
		return nil, err
	}
	if err = r.bind(store, port, sess.ID); err != nil {
		return nil, err
	}
	r.log.Debugf("%s: new session %s for %s", port.Name(), sess.ID, sess.Origin)
	if sess.ChainID != wallet.MainnetID {
		if err = notifyChain(ctx, port, sess.ChainID); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// bind adds port to the subscribers of id and marks the session live.  When
// the port closes it is removed, and the status of the session goes away
// with its last subscriber.
func (r *Registry) bind(store *Store, port channel.Port, id string) error {
	if err := store.SetStatus(&Status{ID: id}); err != nil {
		return err
	}

	name := port.Name()
	b := &binding{id: id, port: port}

	r.Lock()
	if old, ok := r.bindings[name]; ok {
		r.unbindLocked(old)
	}
	r.bindings[name] = b
	subs, ok := r.subscribers[id]
	if !ok {
		subs = make(map[string]channel.Port)
		r.subscribers[id] = subs
	}
	subs[name] = port
	r.Unlock()

	sub := port.OnClose(func() {
		r.Lock()
		last := false
		if r.bindings[name] == b {
			last = r.unbindLocked(b)
		}
		delete(r.slots, name)
		r.Unlock()

		if last {
			if err := store.DeleteStatus(id); err != nil {
				r.log.Warningf("%s: failed to clear status: %v", id, err)
			}
		}
	})

	r.Lock()
	if r.bindings[name] == b {
		b.sub = sub
		r.Unlock()
		return nil
	}
	r.Unlock()
	sub.Close()
	return nil
}

// unbindLocked drops b and returns true if it was the last subscriber of
// its session.
func (r *Registry) unbindLocked(b *binding) bool {
	name := b.port.Name()
	delete(r.bindings, name)
	if b.sub != nil {
		b.sub.Close()
	}
	subs := r.subscribers[b.id]
	delete(subs, name)
	if len(subs) == 0 {
		delete(r.subscribers, b.id)
		return true
	}
	return false
}

func (r *Registry) unbindAll(id string) []channel.Port {
	r.Lock()
	defer r.Unlock()
	var ports []channel.Port
	for name, p := range r.subscribers[id] {
		if b, ok := r.bindings[name]; ok && b.id == id {
			r.unbindLocked(b)
		}
		ports = append(ports, p)
	}
	delete(r.subscribers, id)
	return ports
}

// Disconnect deletes session id and tells its scripts they lost every
// account.  The deleted session is returned so the caller can release
// anything attached to it.
func (r *Registry) Disconnect(ctx context.Context, id string) (*Session, error) {
	store, err := r.env.Store()
	if err != nil {
		return nil, err
	}
	sess, err := store.Delete(id)
	if err != nil {
		return nil, err
	}
	if err = store.DeleteStatus(id); err != nil {
		r.log.Warningf("%s: failed to clear status: %v", id, err)
	}
	for _, p := range r.unbindAll(id) {
		if err := p.Notify(ctx, "accountsChanged", []any{[]string{}}); err != nil {
			r.log.Debugf("%s: accountsChanged: %v", p.Name(), err)
		}
	}
	return sess, nil
}

// SwitchChain persists a new chain for session id and tells its scripts.
func (r *Registry) SwitchChain(ctx context.Context, id string, chainID int64) (*Session, error) {
	store, err := r.env.Store()
	if err != nil {
		return nil, err
	}
	sess, err := store.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.ChainID == chainID {
		return sess, nil
	}
	sess.ChainID = chainID
	if err = store.Put(sess); err != nil {
		return nil, err
	}
	for _, p := range r.Subscribers(id) {
		if err := notifyChain(ctx, p, chainID); err != nil {
			r.log.Debugf("%s: chain notification: %v", p.Name(), err)
		}
	}
	return sess, nil
}

// Reset forgets every binding, for when the user locks or switches.
func (r *Registry) Reset() {
	r.Lock()
	defer r.Unlock()
	for _, b := range r.bindings {
		if b.sub != nil {
			b.sub.Close()
		}
	}
	r.bindings = make(map[string]*binding)
	r.subscribers = make(map[string]map[string]channel.Port)
}

func notifyChain(ctx context.Context, port channel.Port, chainID int64) error {
	res, err := port.Request(ctx, "chainChanged", []string{wallet.HexChainID(chainID)})
	if err != nil {
		return err
	}
	if err = res.Err(); err != nil {
		return err
	}
	res, err = port.Request(ctx, "networkChanged", []string{wallet.DecimalChainID(chainID)})
	if err != nil {
		return err
	}
	return res.Err()
}
