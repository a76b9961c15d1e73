// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pool implements a bounded pool of lazily created resources.
//
// Each of the pool's slots runs its own creation loop.  A creator failure
// marked with retry.Retry starts another attempt after a backoff, and a
// failure marked with retry.Cancel stops the loop of that slot and is
// surfaced to waiters.  A slot holds at most one resource, so a pool never
// has more than its capacity of live resources.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/core/retry"
	"github.com/brumewallet/brumed/core/worker"
	"github.com/brumewallet/brumed/internal/instrument"
)

var (
	// ErrHalted is returned by Take once the pool is halted.
	ErrHalted = errors.New("pool: halted")

	// ErrInvalidIndex is returned for a slot index out of range.
	ErrInvalidIndex = errors.New("pool: invalid slot index")
)

// Params is handed to the creator on each attempt.
type Params struct {
	Index   int
	Attempt int
}

// Creator produces one resource.  Errors should be marked with
// retry.Cancel or retry.Retry, anything else goes through retry.Classify.
type Creator[T any] func(ctx context.Context, p Params) (T, error)

// Entry is a ready resource and the slot that holds it.
type Entry[T any] struct {
	Index int
	Value T
}

// Event reports the outcome of one creation attempt.  Err is nil on
// success.
type Event struct {
	Pool    string
	Index   int
	Attempt int
	Err     error
}

// Policy picks one of the ready slots.
type Policy func(ready []int) int

// CryptoRandom picks uniformly among ready slots.
func CryptoRandom(ready []int) int {
	return ready[rand.NewMath().Intn(len(ready))]
}

// First picks the lowest ready slot.
func First(ready []int) int {
	return ready[0]
}

type slotState int

const (
	slotPending slotState = iota
	slotReady
	slotCancelled
)

type slot[T any] struct {
	state   slotState
	value   T
	err     error
	restart chan struct{}

	// gen counts the resources the slot held, so a late death report of
	// a replaced resource is ignored.
	gen  uint64
	stop func()
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithBackoff sets the delay between Retry attempts.  A zero base retries
// immediately.
func WithBackoff[T any](base, max time.Duration) Option[T] {
	return func(p *Pool[T]) {
		p.baseDelay = base
		p.maxDelay = max
	}
}

// WithDestroy sets the function releasing a resource on Delete and Halt.
func WithDestroy[T any](fn func(T)) Option[T] {
	return func(p *Pool[T]) {
		p.destroy = fn
	}
}

// Watch observes a ready resource and calls dead once it stopped working,
// for instance when its connection closed.  The returned function stops
// watching.
type Watch[T any] func(v T, dead func()) (stop func())

// WithWatch makes the pool release the resources reported dead by fn and
// create replacements.
func WithWatch[T any](fn Watch[T]) Option[T] {
	return func(p *Pool[T]) {
		p.watch = fn
	}
}

// WithLogBackend sets the log backend.
func WithLogBackend[T any](backend *log.Backend) Option[T] {
	return func(p *Pool[T]) {
		p.log = backend.GetLogger("pool/" + p.name)
	}
}

// Pool is a bounded pool of resources of type T.
type Pool[T any] struct {
	worker.Worker
	sync.Mutex

	name    string
	create  Creator[T]
	destroy func(T)
	watch   Watch[T]
	log     *logging.Logger

	baseDelay time.Duration
	maxDelay  time.Duration

	slots   []*slot[T]
	changed chan struct{}
	lastErr error

	events event.Topic[Event]
}

// New starts a pool of capacity slots.
func New[T any](name string, capacity int, create Creator[T], opts ...Option[T]) (*Pool[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool: %s: capacity must be positive", name)
	}
	if create == nil {
		return nil, fmt.Errorf("pool: %s: nil creator", name)
	}

	p := &Pool[T]{
		name:      name,
		create:    create,
		baseDelay: retry.DefaultBaseDelay,
		maxDelay:  retry.DefaultMaxDelay,
		slots:     make([]*slot[T], capacity),
		changed:   make(chan struct{}),
		log:       logging.MustGetLogger("pool/" + name),
	}
	for _, o := range opts {
		o(p)
	}
	for i := range p.slots {
		p.slots[i] = &slot[T]{restart: make(chan struct{}, 1)}
	}
	for i := range p.slots {
		index := i
		p.Go(func() { p.loop(index) })
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool[T]) Name() string {
	return p.name
}

// Capacity returns the number of slots.
func (p *Pool[T]) Capacity() int {
	return len(p.slots)
}

// Size returns the number of ready resources.
func (p *Pool[T]) Size() int {
	p.Lock()
	defer p.Unlock()
	return len(p.readyLocked())
}

// Subscribe observes creation attempts.
func (p *Pool[T]) Subscribe(fn func(Event)) *event.Subscription {
	return p.events.Subscribe(fn)
}

// Take returns a ready resource chosen by policy, waiting for one if none
// is ready.  If every slot is cancelled the last cancellation is returned.
func (p *Pool[T]) Take(ctx context.Context, policy Policy) (Entry[T], error) {
	if policy == nil {
		policy = First
	}
	for {
		p.Lock()
		if ready := p.readyLocked(); len(ready) > 0 {
			i := policy(ready)
			e := Entry[T]{Index: i, Value: p.slots[i].value}
			p.Unlock()
			return e, nil
		}
		if p.allCancelledLocked() {
			err := p.lastErr
			p.Unlock()
			return Entry[T]{}, err
		}
		ch := p.changed
		p.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Entry[T]{}, ctx.Err()
		case <-p.HaltCh():
			return Entry[T]{}, ErrHalted
		}
	}
}

// TakeIndex waits for the resource of one slot.  A cancelled slot returns
// its cancellation.
func (p *Pool[T]) TakeIndex(ctx context.Context, index int) (Entry[T], error) {
	if index < 0 || index >= len(p.slots) {
		return Entry[T]{}, ErrInvalidIndex
	}
	for {
		p.Lock()
		s := p.slots[index]
		switch s.state {
		case slotReady:
			e := Entry[T]{Index: index, Value: s.value}
			p.Unlock()
			return e, nil
		case slotCancelled:
			err := s.err
			p.Unlock()
			return Entry[T]{}, err
		}
		ch := p.changed
		p.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Entry[T]{}, ctx.Err()
		case <-p.HaltCh():
			return Entry[T]{}, ErrHalted
		}
	}
}

// Delete releases the resource of a slot and restarts its creation loop.
// A cancelled slot is restarted as well, a slot still being created is
// left alone.
func (p *Pool[T]) Delete(index int) error {
	if index < 0 || index >= len(p.slots) {
		return ErrInvalidIndex
	}
	p.release(index, 0)
	return nil
}

// release empties a slot and restarts it.  A non zero gen only releases
// that generation of the slot's resource.
func (p *Pool[T]) release(index int, gen uint64) bool {
	p.Lock()
	s := p.slots[index]
	if s.state == slotPending || (gen != 0 && (s.state != slotReady || s.gen != gen)) {
		p.Unlock()
		return false
	}
	old, hadValue := s.value, s.state == slotReady
	stop := s.stop
	var zero T
	s.value = zero
	s.err = nil
	s.stop = nil
	s.state = slotPending
	p.broadcastLocked()
	instrument.PoolSize(p.name, len(p.readyLocked()))
	p.Unlock()

	if stop != nil {
		stop()
	}
	if hadValue && p.destroy != nil {
		p.destroy(old)
	}
	select {
	case s.restart <- struct{}{}:
	default:
	}
	return true
}

// Halt stops every creation loop and destroys the ready resources.
func (p *Pool[T]) Halt() {
	p.Worker.Halt()

	p.Lock()
	var values []T
	var stops []func()
	for _, s := range p.slots {
		if s.stop != nil {
			stops = append(stops, s.stop)
			s.stop = nil
		}
		if s.state == slotReady {
			values = append(values, s.value)
			var zero T
			s.value = zero
			s.state = slotPending
		}
	}
	p.broadcastLocked()
	p.Unlock()

	for _, stop := range stops {
		stop()
	}
	if p.destroy != nil {
		for _, v := range values {
			p.destroy(v)
		}
	}
	instrument.PoolSize(p.name, 0)
}

func (p *Pool[T]) loop(index int) {
	ctx, cancel := p.HaltContext(context.Background())
	defer cancel()

	s := p.slots[index]
	for {
		if !p.fill(ctx, index) {
			return
		}

		select {
		case <-s.restart:
			p.log.Debugf("Slot %d restarting", index)
		case <-p.HaltCh():
			return
		}
	}
}

// fill runs creation attempts for one slot until a resource is ready or
// the slot is cancelled.  It returns false when the pool is halting.
func (p *Pool[T]) fill(ctx context.Context, index int) bool {
	for attempt := 0; ; attempt++ {
		v, err := p.create(ctx, Params{Index: index, Attempt: attempt})
		if err == nil {
			if ctx.Err() != nil {
				if p.destroy != nil {
					p.destroy(v)
				}
				return false
			}
			gen := p.setReady(index, v)
			p.publish(index, attempt, nil)
			p.watchSlot(index, gen, v)
			return true
		}

		err = retry.Classify(err)
		if ctx.Err() != nil {
			err = retry.Cancel(ctx.Err())
		}
		p.publish(index, attempt, err)

		if retry.IsCancel(err) {
			p.log.Warningf("Slot %d cancelled: %v", index, err)
			p.setCancelled(index, err)
			return ctx.Err() == nil
		}

		p.log.Debugf("Slot %d attempt %d failed, retrying: %v", index, attempt, err)
		delay := retry.Delay(p.baseDelay, p.maxDelay, retry.DefaultJitter, attempt)
		if delay <= 0 {
			if ctx.Err() != nil {
				p.setCancelled(index, retry.Cancel(ctx.Err()))
				return false
			}
			continue
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			p.setCancelled(index, retry.Cancel(ctx.Err()))
			return false
		}
	}
}

func (p *Pool[T]) setReady(index int, v T) uint64 {
	p.Lock()
	defer p.Unlock()

	s := p.slots[index]
	s.state = slotReady
	s.value = v
	s.err = nil
	s.gen++
	p.broadcastLocked()
	instrument.PoolSize(p.name, len(p.readyLocked()))
	return s.gen
}

func (p *Pool[T]) watchSlot(index int, gen uint64, v T) {
	if p.watch == nil {
		return
	}
	// The resource may report its death from inside its own Close, which
	// destroy calls again, so the release runs on its own goroutine.
	stop := p.watch(v, func() {
		go func() {
			if p.release(index, gen) {
				p.log.Noticef("Slot %d resource died, replacing it", index)
			}
		}()
	})
	if stop == nil {
		return
	}

	p.Lock()
	s := p.slots[index]
	if s.state == slotReady && s.gen == gen {
		s.stop = stop
		p.Unlock()
		return
	}
	p.Unlock()
	stop()
}

func (p *Pool[T]) setCancelled(index int, err error) {
	p.Lock()
	defer p.Unlock()

	s := p.slots[index]
	s.state = slotCancelled
	s.err = err
	p.lastErr = err
	p.broadcastLocked()
}

func (p *Pool[T]) publish(index, attempt int, err error) {
	outcome := "ok"
	switch {
	case retry.IsCancel(err):
		outcome = "cancel"
	case err != nil:
		outcome = "retry"
	}
	instrument.PoolCreation(p.name, outcome)
	p.events.Publish(Event{Pool: p.name, Index: index, Attempt: attempt, Err: err})
}

func (p *Pool[T]) readyLocked() []int {
	var ready []int
	for i, s := range p.slots {
		if s.state == slotReady {
			ready = append(ready, i)
		}
	}
	return ready
}

func (p *Pool[T]) allCancelledLocked() bool {
	for _, s := range p.slots {
		if s.state != slotCancelled {
			return false
		}
	}
	return true
}

func (p *Pool[T]) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
