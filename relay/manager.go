// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/brumewallet/brumed/channel"
	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/core/worker"
	"github.com/brumewallet/brumed/internal/instrument"
	"github.com/brumewallet/brumed/pool"
	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/session"
	"github.com/brumewallet/brumed/wallet"
)

// SessionRequestMethod is the only inbound method a relay session serves.
const SessionRequestMethod = "wc_sessionRequest"

// Methods a relay peer may call through a session request.
var sessionMethods = map[string]bool{
	"eth_sendTransaction":  true,
	"personal_sign":        true,
	"eth_signTypedData_v4": true,
}

// Env is what the manager needs from the daemon.
type Env interface {
	Sessions() (*session.Store, error)
	Wallet(id string) (*wallet.Wallet, error)
	Transports() (*pool.Pool[Transport], error)

	// HandleSessionRequest runs a wallet method on behalf of sess.
	HandleSessionRequest(ctx context.Context, sess *session.Session, chainID int64, req *rpc.Request) (any, error)
}

type live struct {
	state  State
	err    error
	client Client
	owned  bool
	subs   []*event.Subscription
}

// Manager owns the live relay sessions of the unlocked user.
type Manager struct {
	worker.Worker
	sync.Mutex

	env    Env
	dialer Dialer
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sessions map[string]*live
}

// NewManager returns a Manager without live sessions.
func NewManager(env Env, dialer Dialer, backend *log.Backend) *Manager {
	m := &Manager{
		env:      env,
		dialer:   dialer,
		log:      backend.GetLogger("relay"),
		sessions: make(map[string]*live),
	}
	m.ctx, m.cancel = m.HaltContext(context.Background())
	return m
}

// State returns the lifecycle state of session id.
func (m *Manager) State(id string) State {
	m.Lock()
	defer m.Unlock()
	l, ok := m.sessions[id]
	if !ok {
		return Absent
	}
	return l.state
}

// Err returns the error that ended session id, if any.
func (m *Manager) Err(id string) error {
	m.Lock()
	defer m.Unlock()
	if l, ok := m.sessions[id]; ok {
		return l.err
	}
	return nil
}

// reserve claims the live entry of id.  It fails if the session is already
// reconnecting or active.
func (m *Manager) reserve(id string) bool {
	m.Lock()
	defer m.Unlock()
	if l, ok := m.sessions[id]; ok && (l.state == Reconnecting || l.state == Active) {
		return false
	}
	m.sessions[id] = &live{state: Reconnecting}
	return true
}

func (m *Manager) fail(id string, err error) {
	m.Lock()
	defer m.Unlock()
	if l, ok := m.sessions[id]; ok && l.state == Reconnecting {
		l.state = Errored
		l.err = err
	}
}

func (m *Manager) forget(id string) {
	m.Lock()
	defer m.Unlock()
	if l, ok := m.sessions[id]; ok && l.state == Reconnecting {
		delete(m.sessions, id)
	}
}

// ReconnectAll reconnects every persistent relay session concurrently.  It
// does not wait: each outcome is recorded in the status of its session.
func (m *Manager) ReconnectAll() error {
	store, err := m.env.Sessions()
	if err != nil {
		return err
	}
	sessions, err := store.ListPersistent()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Kind != session.KindRelay {
			continue
		}
		id := sess.ID
		m.Go(func() {
			started, err := m.reconnect(m.ctx, id)
			if !started {
				return
			}
			status := &session.Status{ID: id}
			if err != nil {
				m.log.Warningf("%s: reconnect failed: %v", id, err)
				status.Error = rpc.ErrorFrom(err).Message
			}
			if err := store.SetStatus(status); err != nil {
				m.log.Warningf("%s: failed to record status: %v", id, err)
			}
		})
	}
	return nil
}

// Reconnect restores the persisted relay session id.  It is a no-op while
// the session is reconnecting or active.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	_, err := m.reconnect(ctx, id)
	return err
}

func (m *Manager) reconnect(ctx context.Context, id string) (bool, error) {
	if !m.reserve(id) {
		return false, nil
	}

	store, err := m.env.Sessions()
	if err != nil {
		m.forget(id)
		return false, err
	}
	sess, err := store.Get(id)
	if err != nil || sess.Kind != session.KindRelay || sess.Relay == nil {
		m.forget(id)
		return false, err
	}

	client, err := m.restore(ctx, store, sess)
	if err != nil {
		m.fail(id, err)
		instrument.RelayReconnect("failed")
		return true, err
	}
	m.activate(sess, client, true)
	instrument.RelayReconnect("ok")
	m.log.Noticef("%s: reconnected on %s", id, sess.Relay.Topic)
	return true, nil
}

func (m *Manager) restore(ctx context.Context, store *session.Store, sess *session.Session) (Client, error) {
	if _, ok := sess.Active(); !ok {
		return nil, ErrNoWallet
	}
	if _, err := ParseAuthKey(sess.Relay.AuthKey); err != nil {
		return nil, fmt.Errorf("relay: bad auth key: %w", err)
	}

	transport, err := m.dialer.Dial(ctx, sess.Relay.AuthKey)
	if err != nil {
		return nil, err
	}
	client, err := m.dialer.NewClient(sess.Relay.Topic, sess.Relay.SessionKey, transport)
	if err != nil {
		transport.Close()
		return nil, err
	}
	if err = transport.Subscribe(ctx, sess.Relay.Topic); err != nil {
		transport.Close()
		return nil, err
	}

	// The pairing was interrupted before the peer acknowledged it.
	if sess.Relay.Settlement != nil {
		if err = m.settle(ctx, store, sess, client); err != nil {
			transport.Close()
			return nil, err
		}
	}
	return client, nil
}

// settle waits for the settlement receipt of sess and clears it.
func (m *Manager) settle(ctx context.Context, store *session.Store, sess *session.Session, client Client) error {
	ok, err := client.Wait(ctx, *sess.Relay.Settlement)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSettlementRejected
	}

	current, err := store.Get(sess.ID)
	if err != nil {
		return err
	}
	if current.Relay != nil && current.Relay.Settlement != nil {
		current.Relay.Settlement = nil
		if err = store.Put(current); err != nil {
			return err
		}
	}
	sess.Relay.Settlement = nil
	return nil
}

// activate marks sess live and routes its inbound requests.  The request,
// close and error subscriptions are all released when the transport closes
// or fails, or when the session is closed.
func (m *Manager) activate(sess *session.Session, client Client, owned bool) {
	l := &live{state: Active, client: client, owned: owned}

	var once sync.Once
	teardown := func(state State, err error) {
		once.Do(func() {
			m.Lock()
			subs := l.subs
			l.subs = nil
			if m.sessions[sess.ID] == l {
				l.state = state
				l.err = err
			}
			m.Unlock()
			for _, s := range subs {
				s.Close()
			}
			m.updateGauge()
		})
	}

	m.Lock()
	m.sessions[sess.ID] = l
	m.Unlock()

	transport := client.Transport()
	subs := []*event.Subscription{
		client.OnRequest(func(ctx context.Context, req *rpc.Request) (any, error) {
			return m.serve(ctx, sess, req)
		}),
		transport.OnClose(func() {
			m.log.Infof("%s: transport closed", sess.ID)
			teardown(Closed, nil)
		}),
		transport.OnError(func(err error) {
			m.log.Warningf("%s: transport error: %v", sess.ID, err)
			teardown(Errored, err)
		}),
	}

	m.Lock()
	ended := l.state != Active
	if !ended {
		l.subs = subs
	}
	m.Unlock()
	if ended {
		for _, s := range subs {
			s.Close()
		}
	}
	m.updateGauge()
}

func (m *Manager) updateGauge() {
	m.Lock()
	n := 0
	for _, l := range m.sessions {
		if l.state == Active {
			n++
		}
	}
	m.Unlock()
	instrument.RelaySessions(n)
}

type sessionRequest struct {
	ChainID string `cbor:"chainId"`
	Request struct {
		Method string          `cbor:"method"`
		Params cbor.RawMessage `cbor:"params"`
	} `cbor:"request"`
}

// serve dispatches a session request with the wallet and chain persisted
// for sess.
func (m *Manager) serve(ctx context.Context, sess *session.Session, req *rpc.Request) (any, error) {
	if req.Method != SessionRequestMethod {
		return nil, rpc.Errorf(rpc.ErrMethodNotFound, "%s: method not found", req.Method)
	}
	var params sessionRequest
	if err := req.DecodeParams(&params); err != nil {
		return nil, err
	}
	if !sessionMethods[params.Request.Method] {
		return nil, rpc.Errorf(rpc.ErrMethodNotFound, "%s: method not found", params.Request.Method)
	}
	chainID, err := ParseCAIP2(params.ChainID)
	if err != nil {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "invalid chain %q", params.ChainID)
	}
	inner := &rpc.Request{ID: req.ID, Method: params.Request.Method, Params: params.Request.Params}
	return m.env.HandleSessionRequest(ctx, sess, chainID, inner)
}

// ParseCAIP2 parses an eip155 chain reference such as "eip155:1".
func ParseCAIP2(s string) (int64, error) {
	ns, ref, ok := strings.Cut(s, ":")
	if !ok || ns != "eip155" {
		return 0, fmt.Errorf("relay: unsupported chain %q", s)
	}
	return strconv.ParseInt(ref, 10, 64)
}

// Connect pairs a new relay session from uri for wallet walletID and waits
// for the peer to acknowledge it.  The session is persisted before the
// wait so an interrupted pairing is finished by the next reconnection.
func (m *Manager) Connect(ctx context.Context, uri, walletID string) (*session.Session, error) {
	store, err := m.env.Sessions()
	if err != nil {
		return nil, err
	}
	w, err := m.env.Wallet(walletID)
	if err != nil {
		return nil, err
	}
	transports, err := m.env.Transports()
	if err != nil {
		return nil, err
	}
	entry, err := transports.Take(ctx, pool.CryptoRandom)
	if err != nil {
		return nil, err
	}
	transport := entry.Value

	client, metadata, receipt, err := m.dialer.Pair(ctx, transport, uri, w.Address)
	if err != nil {
		return nil, err
	}

	origin := &session.Origin{
		Origin:      "wc://" + channel.NewID(),
		Title:       metadata.Name,
		Description: metadata.Description,
	}
	if len(metadata.Icons) > 0 {
		origin.Icon = metadata.Icons[0]
	}
	if err = store.PutOrigin(origin); err != nil {
		return nil, err
	}

	sess := &session.Session{
		Kind:    session.KindRelay,
		ID:      channel.NewID(),
		Origin:  origin.Origin,
		Persist: true,
		Wallets: []wallet.Ref{{UUID: w.UUID}},
		ChainID: wallet.MainnetID,
		Relay: &session.RelayData{
			Topic:      client.Topic(),
			SessionKey: client.Key(),
			AuthKey:    transport.AuthKey(),
			Metadata:   metadata,
			Settlement: &receipt,
		},
	}
	if err = store.Put(sess); err != nil {
		return nil, err
	}
	if !m.reserve(sess.ID) {
		return nil, fmt.Errorf("relay: session %s already live", sess.ID)
	}
	if err = m.settle(ctx, store, sess, client); err != nil {
		m.fail(sess.ID, err)
		return nil, err
	}
	m.activate(sess, client, false)
	if err = store.SetStatus(&session.Status{ID: sess.ID}); err != nil {
		return nil, err
	}
	m.log.Noticef("%s: paired with %s", sess.ID, metadata.Name)
	return sess, nil
}

// Close ends the live session id.  Its transport is closed too unless it
// is shared through the transport pool.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.Lock()
	l, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.Unlock()
	if !ok || l.client == nil {
		return nil
	}

	m.Lock()
	subs := l.subs
	l.subs = nil
	l.state = Closed
	m.Unlock()
	for _, s := range subs {
		s.Close()
	}
	m.updateGauge()

	err := l.client.Close(ctx)
	if l.owned {
		l.client.Transport().Close()
	}
	return err
}

// CloseAll ends every live session, for when the user locks or switches.
func (m *Manager) CloseAll(ctx context.Context) {
	m.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.Unlock()
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil {
			m.log.Debugf("%s: close: %v", id, err)
		}
	}
}

// Halt stops pending reconnections and closes every session.
func (m *Manager) Halt() {
	m.cancel()
	m.Worker.Halt()
	m.CloseAll(context.Background())
}
