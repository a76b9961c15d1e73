// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package background

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/brumewallet/brumed/channel"
	"github.com/brumewallet/brumed/circuit"
	"github.com/brumewallet/brumed/config"
	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/internal/proxy"
	"github.com/brumewallet/brumed/popup"
	"github.com/brumewallet/brumed/pool"
	"github.com/brumewallet/brumed/relay"
	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/session"
	"github.com/brumewallet/brumed/user"
	"github.com/brumewallet/brumed/wallet"
)

const (
	testAddress  = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	otherAddress = "0x0000000000000000000000000000000000000001"
	testPassword = "correct horse battery staple"
)

var errUnsupported = errors.New("unsupported")

type nopTransport struct {
	key    []byte
	closed event.Topic[struct{}]
	errs   event.Topic[error]
}

func (t *nopTransport) AuthKey() []byte                            { return t.key }
func (t *nopTransport) Subscribe(context.Context, string) error    { return nil }
func (t *nopTransport) OnError(fn func(error)) *event.Subscription { return t.errs.Subscribe(fn) }

func (t *nopTransport) Close() error {
	t.closed.Publish(struct{}{})
	return nil
}

func (t *nopTransport) OnClose(fn func()) *event.Subscription {
	return t.closed.Subscribe(func(struct{}) { fn() })
}

type fakeDialer struct{}

func (fakeDialer) Dial(_ context.Context, authKey []byte) (relay.Transport, error) {
	return &nopTransport{key: authKey}, nil
}

func (fakeDialer) NewClient(string, []byte, relay.Transport) (relay.Client, error) {
	return nil, errUnsupported
}

func (fakeDialer) Pair(context.Context, relay.Transport, string, string) (relay.Client, session.Metadata, session.Receipt, error) {
	return nil, session.Metadata{}, session.Receipt{}, errUnsupported
}

type fetchCall struct {
	chainID int64
	method  string
}

type fakeFetcher struct {
	sync.Mutex

	calls []fetchCall
}

func (f *fakeFetcher) Fetch(_ context.Context, brume *wallet.Brume, chainID int64, method string, params cbor.RawMessage) (cbor.RawMessage, error) {
	if _, err := brume.Chain(chainID); err != nil {
		return nil, err
	}
	f.Lock()
	f.calls = append(f.calls, fetchCall{chainID, method})
	f.Unlock()
	return rpc.MustEncode("0x10"), nil
}

func (f *fakeFetcher) seen() []fetchCall {
	f.Lock()
	defer f.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

// fakePopup plays the popup page: it says hello on a foreground channel,
// then approves the request named in its URL.
type fakePopup struct {
	sync.Mutex

	d       *Daemon
	t       *testing.T
	next    int
	creates int
	answer  any
}

func (m *fakePopup) Create(_ context.Context, u string, _ popup.Geometry) (popup.Window, error) {
	m.Lock()
	m.next++
	m.creates++
	w := popup.Window{ID: m.next, TabID: m.next * 10}
	answer := m.answer
	m.Unlock()

	go m.run(u, answer)
	return w, nil
}

func (m *fakePopup) run(u string, answer any) {
	page, _ := channel.Pipe("popup", nil, "foreground/popup", m.d.ForegroundHandler(), channel.NewRegistry(), m.d.LogBackend())
	m.t.Cleanup(func() { page.Close() })

	// The broker only expects the hello once Create returned.
	ctx := context.Background()
	for i := 0; i < 100 && m.d.broker.Current() == nil; i++ {
		if _, err := page.Request(ctx, "popup_hello", nil); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, path, _ := strings.Cut(u, "#")
	parsed, err := url.Parse(path)
	if err != nil {
		return
	}
	id := parsed.Query().Get("id")
	if id == "" {
		return
	}
	page.Request(ctx, "brume_respond", []any{&rpc.Frame{ID: id, Result: rpc.MustEncode(answer)}})
}

func (m *fakePopup) Navigate(context.Context, popup.Window, string) error { return nil }
func (m *fakePopup) Focus(context.Context, popup.Window) error            { return nil }

func (m *fakePopup) setAnswer(v any) {
	m.Lock()
	defer m.Unlock()
	m.answer = v
}

func (m *fakePopup) created() int {
	m.Lock()
	defer m.Unlock()
	return m.creates
}

// dapp is a page script.
type dapp struct {
	sync.Mutex

	origin string
	events []string
}

func (s *dapp) HandleRequest(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	if req.Method == "brume_origin" {
		return &session.Origin{Origin: s.origin, Title: "dapp"}, nil
	}
	s.Lock()
	s.events = append(s.events, req.Method)
	s.Unlock()
	return nil, nil
}

func (s *dapp) seen() []string {
	s.Lock()
	defer s.Unlock()
	return append([]string(nil), s.events...)
}

type harness struct {
	t       *testing.T
	d       *Daemon
	popup   *fakePopup
	fetcher *fakeFetcher
	wallet  string
	wallets *channel.Conn
}

func testCircuitCreator(_ context.Context, p pool.Params) (*circuit.Circuit, error) {
	return circuit.New(&proxy.Config{Type: proxy.TypeNone}, fmt.Sprintf("test-%d", p.Index)), nil
}

func newHarness(t *testing.T) *harness {
	require := require.New(t)

	dataDir := t.TempDir()
	require.NoError(os.Chmod(dataDir, 0700))

	cfg, err := config.Load([]byte(fmt.Sprintf(`
[Logging]
Disable = true
Level = "DEBUG"

[Storage]
DataDir = %q

[Circuits]
Capacity = 2

[Brumes]
EthereumCapacity = 1
RelayCapacity = 1

[Debug]
RequestTimeout = 5
RetryBaseDelay = 10
RetryMaxDelay = 50
`, dataDir)))
	require.NoError(err)

	h := &harness{t: t, popup: &fakePopup{t: t}, fetcher: new(fakeFetcher)}
	h.d, err = New(cfg,
		WithoutListeners(),
		WithKDF(user.KDF{Time: 1, Memory: 8 * 1024, Threads: 1}),
		WithCircuitCreator(testCircuitCreator),
		WithRelayDialer(fakeDialer{}),
		WithWindowManager(h.popup),
		WithFetcher(h.fetcher),
	)
	require.NoError(err)
	h.popup.d = h.d
	t.Cleanup(h.d.Shutdown)

	page, _ := channel.Pipe("wallet", nil, "foreground/wallet", h.d.ForegroundHandler(), channel.NewRegistry(), h.d.LogBackend())
	t.Cleanup(func() { page.Close() })
	h.wallets = page
	return h
}

// call runs method on the foreground channel of the wallet pages.
func (h *harness) call(method string, params any) *rpc.Response {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.wallets.Request(ctx, method, params)
	require.NoError(h.t, err)
	return res
}

// login creates a user holding one wallet, and unlocks it.
func (h *harness) login() {
	require := require.New(h.t)

	res := h.call("brume_createUser", []any{&user.Init{UUID: "u1", Name: "alice", Password: testPassword}})
	require.NoError(res.Err())
	res = h.call("brume_login", []any{"u1", testPassword})
	require.NoError(res.Err())

	res = h.call("brume_createWallet", []any{&wallet.Wallet{Name: "main", Address: testAddress}})
	require.NoError(res.Err())
	require.NoError(res.Decode(&h.wallet))
	h.popup.setAnswer([]any{true, wallet.MainnetID, []wallet.Ref{{UUID: h.wallet}}})
}

// script opens a script channel for origin.
func (h *harness) script(name, origin string) (*channel.Conn, *channel.Conn, *dapp) {
	s := &dapp{origin: origin}
	page, port := channel.Pipe("page/"+name, s, "script/"+name, h.d.ScriptHandler(), channel.NewRegistry(), h.d.LogBackend())
	h.t.Cleanup(func() {
		page.Close()
		port.Close()
	})
	return page, port, s
}

func run(t *testing.T, page *channel.Conn, method string, params any, anchor *popup.Point) *rpc.Response {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sub := map[string]any{"method": method}
	if params != nil {
		sub["params"] = params
	}
	args := []any{sub}
	if anchor != nil {
		args = append(args, anchor)
	}
	res, err := page.Request(ctx, "brume_run", args)
	require.NoError(t, err)
	return res
}

func TestConnectFlow(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.login()

	page, port, _ := h.script("1", "https://app.example")

	var accounts []string
	res := run(t, page, "eth_accounts", nil, nil)
	require.NoError(res.Err())
	require.NoError(res.Decode(&accounts))
	require.Empty(accounts)
	require.Zero(h.popup.created())

	res = run(t, page, "eth_requestAccounts", nil, &popup.Point{X: 800, Y: 600})
	require.NoError(res.Err())
	require.NoError(res.Decode(&accounts))
	require.Equal([]string{testAddress}, accounts)
	require.Equal(1, h.popup.created())

	res = run(t, page, "eth_accounts", nil, nil)
	require.NoError(res.Err())
	require.NoError(res.Decode(&accounts))
	require.Equal([]string{testAddress}, accounts)

	var chainID string
	res = run(t, page, "eth_chainId", nil, nil)
	require.NoError(res.Decode(&chainID))
	require.Equal("0x1", chainID)

	id, ok := h.d.sessions.Bound(port)
	require.True(ok)
	store, err := h.d.Store()
	require.NoError(err)
	status, err := store.GetStatus(id)
	require.NoError(err)
	require.NotNil(status)

	// Closing the script drops the live status, the approval persists.
	page.Close()
	require.Eventually(func() bool {
		status, err := store.GetStatus(id)
		return err == nil && status == nil
	}, 5*time.Second, 10*time.Millisecond)
	sess, err := store.ByOrigin("https://app.example")
	require.NoError(err)
	require.NotNil(sess)
	require.True(sess.Persist)

	// A new script from the same origin reuses the session silently.
	page2, _, _ := h.script("2", "https://app.example")
	res = run(t, page2, "eth_accounts", nil, nil)
	require.NoError(res.Decode(&accounts))
	require.Equal([]string{testAddress}, accounts)
	require.Equal(1, h.popup.created())
}

func TestUnauthorizedWithoutSession(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.login()

	page, _, _ := h.script("1", "https://app.example")
	res := run(t, page, "personal_sign", []string{"0xdead", testAddress}, nil)
	require.ErrorIs(res.Err(), rpc.ErrUnauthorized)

	res = run(t, page, "brume_nope", nil, nil)
	require.ErrorIs(res.Err(), rpc.ErrUnauthorized)
	require.Zero(h.popup.created())
}

func TestLockedSessionless(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	page, _, _ := h.script("1", "https://app.example")
	var chainID string
	res := run(t, page, "eth_chainId", nil, nil)
	require.NoError(res.Err())
	require.NoError(res.Decode(&chainID))
	require.Equal("0x1", chainID)

	var current *userView
	res = h.call("brume_getCurrentUser", nil)
	require.NoError(res.Err())
	require.NoError(res.Decode(&current))
	require.Nil(current)
}

func TestSessionRequestWaitsForResponse(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.login()

	sess := &session.Session{
		Kind:    session.KindRelay,
		ID:      "relay-1",
		Origin:  "wc:peer",
		Wallets: []wallet.Ref{{UUID: h.wallet}},
		ChainID: wallet.MainnetID,
	}

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := h.d.HandleSessionRequest(context.Background(), sess, wallet.MainnetID, &rpc.Request{
			Method: "personal_sign",
			Params: rpc.MustEncode([]string{"0xdead", testAddress}),
		})
		done <- result{v, err}
	}()

	var pending []*AppRequest
	require.Eventually(func() bool {
		var err error
		pending, err = h.d.Pending()
		return err == nil && len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal("personal_sign", pending[0].Method)
	require.Equal(h.wallet, pending[0].Params["walletId"])
	require.Equal("relay-1", pending[0].Session)
	require.Zero(h.popup.created())

	res := h.call("brume_respond", []any{&rpc.Frame{ID: pending[0].ID, Result: rpc.MustEncode("0xsignature")}})
	require.NoError(res.Err())

	select {
	case r := <-done:
		require.NoError(r.err)
		require.Equal("0xsignature", r.v)
	case <-time.After(5 * time.Second):
		require.FailNow("request was not answered")
	}
	pending, err := h.d.Pending()
	require.NoError(err)
	require.Empty(pending)
}

func TestSessionRequestRejected(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.login()

	sess := &session.Session{Kind: session.KindRelay, ID: "relay-1", Wallets: []wallet.Ref{{UUID: h.wallet}}, ChainID: 1}
	done := make(chan error, 1)
	go func() {
		_, err := h.d.HandleSessionRequest(context.Background(), sess, 1, &rpc.Request{
			Method: "personal_sign",
			Params: rpc.MustEncode([]string{"0xdead", testAddress}),
		})
		done <- err
	}()

	var pending []*AppRequest
	require.Eventually(func() bool {
		pending, _ = h.d.Pending()
		return len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)
	h.call("brume_respond", []any{&rpc.Frame{ID: pending[0].ID, Error: rpc.ErrUserRejected}})
	require.ErrorIs(<-done, rpc.ErrUserRejected)

	_, err := h.d.HandleSessionRequest(context.Background(), sess, 999, &rpc.Request{Method: "eth_chainId"})
	require.ErrorIs(err, rpc.ErrInvalidParams)
}

func TestSignerMismatch(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.login()

	page, _, _ := h.script("1", "https://app.example")
	res := run(t, page, "eth_requestAccounts", nil, &popup.Point{})
	require.NoError(res.Err())

	res = run(t, page, "personal_sign", []string{"0xdead", otherAddress}, nil)
	require.ErrorIs(res.Err(), rpc.ErrInvalidParams)

	pending, err := h.d.Pending()
	require.NoError(err)
	require.Empty(pending)
}

func TestPassThroughAndSwitchChain(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.login()

	page, _, s := h.script("1", "https://app.example")
	res := run(t, page, "eth_requestAccounts", nil, &popup.Point{})
	require.NoError(res.Err())

	var v string
	res = run(t, page, "eth_blockNumber", []any{}, nil)
	require.NoError(res.Err())
	require.NoError(res.Decode(&v))
	require.Equal("0x10", v)
	require.Equal([]fetchCall{{1, "eth_blockNumber"}}, h.fetcher.seen())

	res = run(t, page, "wallet_switchEthereumChain", []any{map[string]string{"chainId": "0x89"}}, nil)
	require.NoError(res.Err())
	require.Equal([]string{"chainChanged", "networkChanged"}, s.seen())

	res = run(t, page, "eth_chainId", nil, nil)
	require.NoError(res.Decode(&v))
	require.Equal("0x89", v)
	res = run(t, page, "net_version", nil, nil)
	require.NoError(res.Decode(&v))
	require.Equal("137", v)

	res = run(t, page, "eth_getBalance", []any{testAddress, "latest"}, nil)
	require.NoError(res.Err())
	require.Equal(fetchCall{137, "eth_getBalance"}, h.fetcher.seen()[1])

	res = run(t, page, "wallet_switchEthereumChain", []any{map[string]string{"chainId": "0x7a69"}}, nil)
	require.ErrorIs(res.Err(), rpc.ErrInvalidParams)

	// Every wallet keeps the brume it first used.
	u, err := h.d.unlockedState()
	require.NoError(err)
	require.Equal(1, u.brumes.len())
}

func TestForegroundStorage(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	res := h.call("brume_get_user", []any{"wallets"})
	require.ErrorIs(res.Err(), rpc.ErrUnauthorized)

	h.login()

	res = h.call("brume_setPath", []string{"/settings"})
	require.NoError(res.Err())
	var path string
	res = h.call("brume_getPath", nil)
	require.NoError(res.Decode(&path))
	require.Equal("/settings", path)

	var refs []wallet.Ref
	res = h.call("brume_get_user", []any{"wallets"})
	require.NoError(res.Err())
	require.NoError(res.Decode(&refs))
	require.Equal([]wallet.Ref{{UUID: h.wallet}}, refs)

	res = h.call("brume_set_user", []any{"settings/logs", true})
	require.NoError(res.Err())
	var enabled bool
	res = h.call("brume_get_user", []any{"settings/logs"})
	require.NoError(res.Decode(&enabled))
	require.True(enabled)

	res = h.call("brume_set_user", []any{"settings/logs", nil})
	require.NoError(res.Err())
	var missing any
	res = h.call("brume_get_user", []any{"settings/logs"})
	require.NoError(res.Err())
	require.NoError(res.Decode(&missing))
	require.Nil(missing)

	// The users list is public, user records are not.
	var users []user.Ref
	res = h.call("brume_get_global", []any{"users"})
	require.NoError(res.Decode(&users))
	require.Equal([]user.Ref{{UUID: "u1"}}, users)
	res = h.call("brume_get_global", []any{"user/u1"})
	require.ErrorIs(res.Err(), rpc.ErrUnauthorized)

	var current userView
	res = h.call("brume_getCurrentUser", nil)
	require.NoError(res.Decode(&current))
	require.Equal("alice", current.Name)
}

func TestEncryptRoundTrip(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.login()

	var sealed []string
	res := h.call("brume_encrypt", []string{"aGVsbG8="})
	require.NoError(res.Err())
	require.NoError(res.Decode(&sealed))
	require.Len(sealed, 2)

	var plain string
	res = h.call("brume_decrypt", sealed)
	require.NoError(res.Err())
	require.NoError(res.Decode(&plain))
	require.Equal("aGVsbG8=", plain)

	res = h.call("brume_decrypt", []string{"AAAA", sealed[1]})
	require.ErrorIs(res.Err(), rpc.ErrInvalidParams)
}

func TestBadge(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.login()

	type badge struct {
		sync.Mutex
		texts []string
	}
	b := new(badge)
	host := channel.HandlerFunc(func(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
		if req.Method == popup.MethodBadge {
			var text string
			if err := req.Tuple(&text); err != nil {
				return nil, err
			}
			b.Lock()
			b.texts = append(b.texts, text)
			b.Unlock()
		}
		return nil, nil
	})
	hostSide, port := channel.Pipe("host", host, "host/1", h.d.HostHandler(), channel.NewRegistry(), h.d.LogBackend())
	t.Cleanup(func() {
		hostSide.Close()
		port.Close()
	})
	h.d.AttachHost(port)

	last := func() string {
		b.Lock()
		defer b.Unlock()
		if len(b.texts) == 0 {
			return "<none>"
		}
		return b.texts[len(b.texts)-1]
	}
	require.Eventually(func() bool { return last() == "" }, 5*time.Second, 10*time.Millisecond)

	sess := &session.Session{Kind: session.KindRelay, ID: "relay-1", Wallets: []wallet.Ref{{UUID: h.wallet}}, ChainID: 1}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.d.HandleSessionRequest(ctx, sess, 1, &rpc.Request{
			Method: "personal_sign",
			Params: rpc.MustEncode([]string{"0xdead", testAddress}),
		})
		done <- err
	}()
	require.Eventually(func() bool { return last() == "1" }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(<-done, context.Canceled)
	require.Eventually(func() bool { return last() == "" }, 5*time.Second, 10*time.Millisecond)

	res, err := hostSide.Request(context.Background(), "brume_window_removed", []int{42})
	require.NoError(err)
	require.NoError(res.Err())
}
