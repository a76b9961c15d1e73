// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/brumewallet/brumed/rpc"
)

// ErrDuplicateID is returned by Register for an id that is still pending.
var ErrDuplicateID = errors.New("channel: duplicate request id")

// NewID returns a fresh process unique correlation id.
func NewID() string {
	return uuid.NewString()
}

type result struct {
	res *rpc.Response
	err error
}

// Pending is one outstanding request.  Its slot is filled at most once,
// by whichever of Resolve, Reject or CloseOwner reaches it first.
type Pending struct {
	ID string

	owner any
	reg   *Registry
	ch    chan result
}

// Wait blocks until the request completes or ctx is done.  A waiter that
// gives up removes the entry, so a late response becomes a no-op.
func (p *Pending) Wait(ctx context.Context) (*rpc.Response, error) {
	select {
	case r := <-p.ch:
		return r.res, r.err
	case <-ctx.Done():
		if p.reg.take(p.ID) != nil {
			return nil, ctx.Err()
		}
		// Lost the race against a completion, which is already buffered.
		r := <-p.ch
		return r.res, r.err
	}
}

// Registry maps correlation ids to single use completion slots, and
// remembers which owner (a channel, a popup window) each slot belongs to.
type Registry struct {
	sync.Mutex

	entries map[string]*Pending
	owners  map[any]map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Pending),
		owners:  make(map[any]map[string]struct{}),
	}
}

// Register creates the slot for id.  A nil owner is allowed and means the
// slot is only released by completion or by its waiter.
func (r *Registry) Register(id string, owner any) (*Pending, error) {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.entries[id]; ok {
		return nil, ErrDuplicateID
	}
	p := &Pending{
		ID:    id,
		owner: owner,
		reg:   r,
		ch:    make(chan result, 1),
	}
	r.entries[id] = p
	r.attachLocked(p)
	return p, nil
}

// Own attaches owner to a slot registered without one, or moves it to a
// new owner.  It returns false for unknown or already completed ids.
func (r *Registry) Own(id string, owner any) bool {
	r.Lock()
	defer r.Unlock()

	p, ok := r.entries[id]
	if !ok {
		return false
	}
	r.detachLocked(p)
	p.owner = owner
	r.attachLocked(p)
	return true
}

func (r *Registry) attachLocked(p *Pending) {
	if p.owner == nil {
		return
	}
	ids, ok := r.owners[p.owner]
	if !ok {
		ids = make(map[string]struct{})
		r.owners[p.owner] = ids
	}
	ids[p.ID] = struct{}{}
}

func (r *Registry) detachLocked(p *Pending) {
	if p.owner == nil {
		return
	}
	if ids, ok := r.owners[p.owner]; ok {
		delete(ids, p.ID)
		if len(ids) == 0 {
			delete(r.owners, p.owner)
		}
	}
}

// take removes and returns the entry for id, or nil if it is unknown or
// already completed.  Removal under the lock is what makes completion
// at-most-once.
func (r *Registry) take(id string) *Pending {
	r.Lock()
	defer r.Unlock()
	return r.takeLocked(id)
}

func (r *Registry) takeLocked(id string) *Pending {
	p, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	r.detachLocked(p)
	return p
}

// Resolve completes id with res.  It returns false for unknown or already
// completed ids.
func (r *Registry) Resolve(id string, res *rpc.Response) bool {
	p := r.take(id)
	if p == nil {
		return false
	}
	p.ch <- result{res: res}
	return true
}

// ResolveFrom completes id with res only when the slot belongs to owner,
// so a peer can only answer the requests that were sent to it.
func (r *Registry) ResolveFrom(id string, owner any, res *rpc.Response) bool {
	r.Lock()
	p, ok := r.entries[id]
	if !ok || p.owner != owner {
		r.Unlock()
		return false
	}
	r.takeLocked(id)
	r.Unlock()

	p.ch <- result{res: res}
	return true
}

// Reject completes id with err.  It returns false for unknown or already
// completed ids.
func (r *Registry) Reject(id string, err error) bool {
	p := r.take(id)
	if p == nil {
		return false
	}
	p.ch <- result{err: err}
	return true
}

// CloseOwner rejects every slot still held by owner with err and returns
// how many there were.
func (r *Registry) CloseOwner(owner any, err error) int {
	r.Lock()
	var taken []*Pending
	for id := range r.owners[owner] {
		if p := r.takeLocked(id); p != nil {
			taken = append(taken, p)
		}
	}
	r.Unlock()

	for _, p := range taken {
		p.ch <- result{err: err}
	}
	return len(taken)
}

// Len returns the number of outstanding slots.
func (r *Registry) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.entries)
}
