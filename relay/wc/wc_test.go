// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package wc

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/relay"
	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/session"
)

type relayConn struct {
	sync.Mutex
	ws *websocket.Conn
}

func (c *relayConn) send(v any) {
	c.Lock()
	defer c.Unlock()
	_ = c.ws.WriteJSON(v)
}

type stored struct {
	from    *relayConn
	message string
	tag     int
}

// fakeRelay is an in-memory IRN server.  Published messages are kept and
// delivered to every other subscriber of their topic, including those that
// subscribe later.
type fakeRelay struct {
	sync.Mutex

	tokens   []string
	subs     map[string][]*relayConn
	mailbox  map[string][]stored
	upgrader websocket.Upgrader
}

func newFakeRelay(t *testing.T) (*fakeRelay, string) {
	r := &fakeRelay{
		subs:    make(map[string][]*relayConn),
		mailbox: make(map[string][]stored),
	}
	srv := httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(srv.Close)
	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (r *fakeRelay) deliver(to *relayConn, topic string, m stored) {
	to.send(map[string]any{
		"id":      newID(),
		"jsonrpc": "2.0",
		"method":  irnSubscription,
		"params": map[string]any{
			"id":   "sub-" + topic,
			"data": map[string]any{"topic": topic, "message": m.message, "tag": m.tag},
		},
	})
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.Lock()
	r.tokens = append(r.tokens, req.URL.Query().Get("auth"))
	r.Unlock()

	c := &relayConn{ws: ws}
	defer ws.Close()
	for {
		var msg jsonMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Method {
		case irnSubscribe:
			var p struct{ Topic string }
			_ = json.Unmarshal(msg.Params, &p)
			r.Lock()
			r.subs[p.Topic] = append(r.subs[p.Topic], c)
			var backlog []stored
			for _, m := range r.mailbox[p.Topic] {
				if m.from != c {
					backlog = append(backlog, m)
				}
			}
			r.Unlock()
			c.send(map[string]any{"id": msg.ID, "jsonrpc": "2.0", "result": "sub-" + p.Topic})
			for _, m := range backlog {
				r.deliver(c, p.Topic, m)
			}
		case irnPublish:
			var p publishParams
			_ = json.Unmarshal(msg.Params, &p)
			m := stored{from: c, message: p.Message, tag: p.Tag}
			r.Lock()
			r.mailbox[p.Topic] = append(r.mailbox[p.Topic], m)
			var targets []*relayConn
			for _, s := range r.subs[p.Topic] {
				if s != c {
					targets = append(targets, s)
				}
			}
			r.Unlock()
			c.send(map[string]any{"id": msg.ID, "jsonrpc": "2.0", "result": true})
			for _, s := range targets {
				r.deliver(s, p.Topic, m)
			}
		case irnUnsubscribe:
			c.send(map[string]any{"id": msg.ID, "jsonrpc": "2.0", "result": true})
		}
	}
}

func testBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend
}

func dial(t *testing.T, d *Dialer) *Transport {
	key, err := relay.NewAuthKey()
	require.NoError(t, err)
	tr, err := d.Dial(context.Background(), key)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr.(*Transport)
}

func TestEnvelope(t *testing.T) {
	require := require.New(t)

	key := make([]byte, KeySize)
	key[0] = 1
	sealed, err := Seal(key, []byte(`{"id":1}`))
	require.NoError(err)

	opened, err := Open(key, sealed)
	require.NoError(err)
	require.Equal(`{"id":1}`, string(opened))

	other := make([]byte, KeySize)
	_, err = Open(other, sealed)
	require.Error(err)
	_, err = Open(key, "AA==")
	require.ErrorIs(err, errEnvelopeShort)
}

func TestSessionKeyAgreement(t *testing.T) {
	require := require.New(t)

	a, err := NewKeyPair()
	require.NoError(err)
	b, err := NewKeyPair()
	require.NoError(err)

	ka, err := a.SessionKey(b.Public[:])
	require.NoError(err)
	kb, err := b.SessionKey(a.Public[:])
	require.NoError(err)
	require.Equal(ka, kb)
	require.Len(Topic(ka), 64)

	_, err = a.SessionKey([]byte{1, 2, 3})
	require.ErrorIs(err, errKeySize)
}

func TestParseURI(t *testing.T) {
	require := require.New(t)

	key := strings.Repeat("ab", KeySize)
	p, err := ParseURI("wc:7f6e@2?relay-protocol=irn&symKey=" + key)
	require.NoError(err)
	require.Equal("7f6e", p.Topic)
	require.Equal("irn", p.Protocol)
	require.Len(p.SymKey, KeySize)

	for _, bad := range []string{
		"https://example.com",
		"wc:7f6e@1?relay-protocol=irn&symKey=" + key,
		"wc:7f6e@2?relay-protocol=waku&symKey=" + key,
		"wc:7f6e@2?relay-protocol=irn&symKey=abcd",
		"wc:@2?relay-protocol=irn&symKey=" + key,
	} {
		_, err = ParseURI(bad)
		require.Error(err, bad)
	}
}

func TestAuthToken(t *testing.T) {
	require := require.New(t)

	key, err := relay.NewAuthKey()
	require.NoError(err)
	token, err := AuthToken(key, DefaultURL, time.Now())
	require.NoError(err)

	sk, err := relay.ParseAuthKey(key)
	require.NoError(err)
	claims := new(jwt.RegisteredClaims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return ed25519.PublicKey(sk.PublicKey().Bytes()), nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	require.NoError(err)
	require.True(parsed.Valid)
	require.Equal(DIDKey(sk.PublicKey().Bytes()), claims.Issuer)
	require.True(strings.HasPrefix(claims.Issuer, "did:key:z6Mk"))
}

func TestPairAndServe(t *testing.T) {
	require := require.New(t)
	backend := testBackend(t)
	fake, url := newFakeRelay(t)
	d := NewDialer(Config{URL: url, Metadata: session.Metadata{Name: "Brume Wallet"}}, nil, backend)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The dapp publishes its proposal on a fresh pairing topic.
	dappT := dial(t, d)
	symKey := make([]byte, KeySize)
	symKey[31] = 7
	pairTopic := Topic(symKey)
	dappPairing := newClient(pairTopic, symKey, dappT)
	require.NoError(dappT.Subscribe(ctx, pairTopic))
	dappKP, err := NewKeyPair()
	require.NoError(err)
	proposeID, err := dappPairing.request(ctx, "wc_sessionPropose", map[string]any{
		"relays": []protocol{{Protocol: "irn"}},
		"proposer": participant{
			PublicKey: hex.EncodeToString(dappKP.Public[:]),
			Metadata:  session.Metadata{Name: "Uniswap", URL: "https://app.uniswap.org"},
		},
		"requiredNamespaces": map[string]namespace{"eip155": {Chains: []string{"eip155:1", "eip155:10"}}},
	}, 1100, messageTTL)
	require.NoError(err)

	walletT := dial(t, d)
	type paired struct {
		client   relay.Client
		metadata session.Metadata
		receipt  session.Receipt
		err      error
	}
	done := make(chan paired, 1)
	go func() {
		uri := fmt.Sprintf("wc:%s@2?relay-protocol=irn&symKey=%x", pairTopic, symKey)
		c, m, r, err := d.Pair(ctx, walletT, uri, "0x0000000000000000000000000000000000000001")
		done <- paired{c, m, r, err}
	}()

	// The dapp learns the wallet key and answers the settle request.
	res, err := dappPairing.wait(ctx, proposeID)
	require.NoError(err)
	var answer struct {
		ResponderPublicKey string `cbor:"responderPublicKey"`
	}
	require.NoError(res.Decode(&answer))
	walletPub, err := hex.DecodeString(answer.ResponderPublicKey)
	require.NoError(err)
	sessionKey, err := dappKP.SessionKey(walletPub)
	require.NoError(err)

	settled := make(chan []string, 1)
	deleted := make(chan struct{}, 1)
	dappSession := newClient(Topic(sessionKey), sessionKey, dappT)
	dappSession.OnRequest(func(_ context.Context, req *rpc.Request) (any, error) {
		switch req.Method {
		case "wc_sessionSettle":
			var p struct {
				Namespaces map[string]namespace `cbor:"namespaces"`
			}
			if err := req.DecodeParams(&p); err != nil {
				return nil, err
			}
			settled <- p.Namespaces["eip155"].Accounts
			return true, nil
		case "wc_sessionDelete":
			deleted <- struct{}{}
			return true, nil
		}
		return nil, rpc.ErrMethodNotFound
	})
	require.NoError(dappT.Subscribe(ctx, Topic(sessionKey)))

	p := <-done
	require.NoError(p.err)
	require.Equal("Uniswap", p.metadata.Name)
	require.Equal(Topic(sessionKey), p.client.Topic())
	require.Equal(sessionKey, p.client.Key())
	require.Equal([]string{
		"eip155:1:0x0000000000000000000000000000000000000001",
		"eip155:10:0x0000000000000000000000000000000000000001",
	}, <-settled)

	ok, err := p.client.Wait(ctx, p.receipt)
	require.NoError(err)
	require.True(ok)

	// Session requests reach the wallet handler and its answer comes back.
	p.client.OnRequest(func(_ context.Context, req *rpc.Request) (any, error) {
		if req.Method != "wc_sessionRequest" {
			return nil, rpc.ErrMethodNotFound
		}
		return "0xsig", nil
	})
	reqID, err := dappSession.request(ctx, "wc_sessionRequest", map[string]any{
		"chainId": "eip155:1",
		"request": map[string]any{"method": "personal_sign", "params": []string{"0x68656c6c6f"}},
	}, 1108, messageTTL)
	require.NoError(err)
	res, err = dappSession.wait(ctx, reqID)
	require.NoError(err)
	var sig string
	require.NoError(res.Decode(&sig))
	require.Equal("0xsig", sig)

	pingID, err := dappSession.request(ctx, "wc_sessionPing", map[string]any{}, 1114, messageTTL)
	require.NoError(err)
	res, err = dappSession.wait(ctx, pingID)
	require.NoError(err)
	require.ErrorIs(res.Err(), rpc.ErrMethodNotFound)

	require.NoError(p.client.Close(ctx))
	select {
	case <-deleted:
	case <-ctx.Done():
		t.Fatal("no wc_sessionDelete")
	}

	fake.Lock()
	require.Len(fake.tokens, 2)
	require.NotEmpty(fake.tokens[0])
	fake.Unlock()
}

func TestRestoredClientWaitsForEarlierResponse(t *testing.T) {
	require := require.New(t)
	backend := testBackend(t)
	_, url := newFakeRelay(t)
	d := NewDialer(Config{URL: url}, nil, backend)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key := make([]byte, KeySize)
	key[0] = 9
	topic := Topic(key)

	// A peer answers call 42 while the wallet is away.
	peerT := dial(t, d)
	peer := newClient(topic, key, peerT)
	require.NoError(peer.publish(ctx, &jsonMessage{ID: 42, JSONRPC: "2.0", Result: json.RawMessage("true")}, 1103, messageTTL))

	walletT := dial(t, d)
	c, err := d.NewClient(topic, key, walletT)
	require.NoError(err)
	require.NoError(walletT.Subscribe(ctx, topic))

	ok, err := c.Wait(ctx, session.Receipt{ID: 42, Topic: topic})
	require.NoError(err)
	require.True(ok)

	_, err = d.NewClient("not-the-topic", key, walletT)
	require.Error(err)
}

func TestTransportCloseNotifies(t *testing.T) {
	require := require.New(t)
	backend := testBackend(t)
	_, url := newFakeRelay(t)
	d := NewDialer(Config{URL: url}, nil, backend)

	tr := dial(t, d)
	closed := make(chan struct{})
	tr.OnClose(func() { close(closed) })
	require.NoError(tr.Close())
	<-closed
	require.True(tr.Closed())
	require.ErrorIs(tr.Subscribe(context.Background(), "t"), ErrClosed)
}

func TestClientCloseReleasesTransport(t *testing.T) {
	require := require.New(t)
	backend := testBackend(t)
	_, url := newFakeRelay(t)
	d := NewDialer(Config{URL: url}, nil, backend)

	tr := dial(t, d)
	key := make([]byte, KeySize)
	for i := 0; i < 3; i++ {
		key[0] = byte(i)
		c, err := d.NewClient(Topic(key), key, tr)
		require.NoError(err)
		require.NoError(tr.Subscribe(context.Background(), c.Topic()))
		require.Equal(1, tr.onClose.Len())

		require.NoError(c.Close(context.Background()))
		require.Zero(tr.onClose.Len())
	}
	require.False(tr.Closed())
}
