// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package wc

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/brumewallet/brumed/channel"
	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/core/worker"
	"github.com/brumewallet/brumed/rpc"
)

// ErrClosed is returned once the transport is closed.
var ErrClosed = errors.New("wc: transport closed")

const (
	irnSubscribe    = "irn_subscribe"
	irnUnsubscribe  = "irn_unsubscribe"
	irnPublish      = "irn_publish"
	irnSubscription = "irn_subscription"

	writeTimeout = 10 * time.Second
)

var nextID atomic.Int64

func init() {
	nextID.Store(time.Now().UnixMilli() * 1000)
}

// newID returns a JSON-RPC id, unique for this process.
func newID() int64 {
	return nextID.Add(1)
}

type jsonError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonMessage struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonError      `json:"error,omitempty"`
}

func (m *jsonMessage) response() *rpc.Response {
	res := &rpc.Response{ID: strconv.FormatInt(m.ID, 10)}
	if m.Error != nil {
		res.Error = &rpc.Error{Code: m.Error.Code, Message: m.Error.Message}
		return res
	}
	result, err := rpc.FromJSON(m.Result)
	if err != nil {
		res.Error = rpc.ErrorFrom(err)
		return res
	}
	res.Result = result
	return res
}

type subscriptionParams struct {
	ID   string `json:"id"`
	Data struct {
		Topic   string `json:"topic"`
		Message string `json:"message"`
		Tag     int    `json:"tag"`
	} `json:"data"`
}

type publishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"`
	Tag     int    `json:"tag"`
	Prompt  bool   `json:"prompt,omitempty"`
}

// Transport speaks the relay protocol over a websocket.  Messages are routed
// to the handler registered for their topic.
type Transport struct {
	worker.Worker

	conn     *websocket.Conn
	authKey  []byte
	registry *channel.Registry
	log      *logging.Logger

	writeLock sync.Mutex

	mu     sync.Mutex
	routes map[string]func(string)
	subIDs map[string]string

	closeOnce sync.Once
	closed    atomic.Bool
	onClose   event.Topic[struct{}]
	onError   event.Topic[error]
}

func newTransport(conn *websocket.Conn, authKey []byte, backend *log.Backend) *Transport {
	t := &Transport{
		conn:     conn,
		authKey:  authKey,
		registry: channel.NewRegistry(),
		log:      backend.GetLogger("relay/irn"),
		routes:   make(map[string]func(string)),
		subIDs:   make(map[string]string),
	}
	t.Go(t.reader)
	return t
}

// AuthKey returns the binary ed25519 key the transport authenticated with.
func (t *Transport) AuthKey() []byte {
	return t.authKey
}

// OnClose registers fn to run when the transport closes.
func (t *Transport) OnClose(fn func()) *event.Subscription {
	return t.onClose.Subscribe(func(struct{}) { fn() })
}

// OnError registers fn to run when the connection fails.
func (t *Transport) OnError(fn func(error)) *event.Subscription {
	return t.onError.Subscribe(fn)
}

// Closed returns true once the transport is closed.
func (t *Transport) Closed() bool {
	return t.closed.Load()
}

// Close closes the connection and fails every pending call.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.writeLock.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeLock.Unlock()
		err = t.conn.Close()
		t.registry.CloseOwner(t, ErrClosed)
		t.onClose.Publish(struct{}{})
		go t.Halt()
	})
	return err
}

func (t *Transport) route(topic string, fn func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[topic] = fn
}

func (t *Transport) unroute(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, topic)
}

func (t *Transport) write(v any) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(v)
}

func (t *Transport) call(ctx context.Context, method string, params any) (*rpc.Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	msg := &jsonMessage{ID: newID(), JSONRPC: "2.0", Method: method, Params: raw}
	p, err := t.registry.Register(strconv.FormatInt(msg.ID, 10), t)
	if err != nil {
		return nil, err
	}
	if err = t.write(msg); err != nil {
		t.registry.Reject(p.ID, err)
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return res, res.Err()
}

// Subscribe asks the relay to deliver the messages of topic.
func (t *Transport) Subscribe(ctx context.Context, topic string) error {
	res, err := t.call(ctx, irnSubscribe, map[string]string{"topic": topic})
	if err != nil {
		return err
	}
	var id string
	if err = res.Decode(&id); err != nil {
		return err
	}
	t.mu.Lock()
	t.subIDs[topic] = id
	t.mu.Unlock()
	return nil
}

// Unsubscribe stops the delivery of topic.
func (t *Transport) Unsubscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	id, ok := t.subIDs[topic]
	delete(t.subIDs, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := t.call(ctx, irnUnsubscribe, map[string]string{"topic": topic, "id": id})
	return err
}

// Publish sends an envelope on topic.
func (t *Transport) Publish(ctx context.Context, topic, message string, tag int, ttl time.Duration) error {
	_, err := t.call(ctx, irnPublish, &publishParams{
		Topic:   topic,
		Message: message,
		TTL:     int64(ttl / time.Second),
		Tag:     tag,
	})
	return err
}

func (t *Transport) reader() {
	defer t.Close()

	for {
		var msg jsonMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			if !t.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.log.Debugf("read: %v", err)
				t.onError.Publish(err)
			}
			return
		}

		if msg.Method == "" {
			if !t.registry.Resolve(strconv.FormatInt(msg.ID, 10), msg.response()) {
				t.log.Debugf("dropping response to unknown call %d", msg.ID)
			}
			continue
		}

		if msg.Method != irnSubscription {
			t.log.Debugf("ignoring %s", msg.Method)
			continue
		}
		var params subscriptionParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			t.log.Debugf("bad subscription: %v", err)
			continue
		}
		if err := t.write(&jsonMessage{ID: msg.ID, JSONRPC: "2.0", Result: json.RawMessage("true")}); err != nil {
			t.log.Debugf("ack: %v", err)
		}

		t.mu.Lock()
		fn, ok := t.routes[params.Data.Topic]
		t.mu.Unlock()
		if !ok {
			t.log.Debugf("no route for topic %s", params.Data.Topic)
			continue
		}
		fn(params.Data.Message)
	}
}
