// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package wc

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/brumewallet/brumed/channel"
	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/relay"
	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/session"
)

// Publish tags and lifetimes of the session messages.
const (
	tagProposeResponse = 1101
	tagSettleRequest   = 1102
	tagRequestResponse = 1109
	tagDeleteRequest   = 1112
	tagUnknownResponse = 0

	messageTTL = 5 * time.Minute
	settleTTL  = 5 * time.Minute
)

var responseTags = map[string]int{
	"wc_sessionPropose": tagProposeResponse,
	"wc_sessionRequest": tagRequestResponse,
	"wc_sessionPing":    1115,
	"wc_sessionDelete":  1113,
	"wc_sessionEvent":   1111,
	"wc_sessionUpdate":  1105,
	"wc_sessionExtend":  1107,
}

// maxOrphans bounds the responses kept for calls nobody waits on yet.
const maxOrphans = 64

type inbound struct {
	req     *rpc.Request
	handled bool
	result  any
	err     error
}

// Client is the encrypted JSON-RPC session on one topic.
type Client struct {
	topic     string
	key       []byte
	transport *Transport
	log       *logging.Logger

	registry *channel.Registry
	handlers event.Topic[*inbound]
	closeSub *event.Subscription

	mu      sync.Mutex
	pending map[string]*channel.Pending
	orphans map[string]*rpc.Response
}

func newClient(topic string, key []byte, t *Transport) *Client {
	c := &Client{
		topic:     topic,
		key:       key,
		transport: t,
		log:       t.log,
		registry:  channel.NewRegistry(),
		pending:   make(map[string]*channel.Pending),
		orphans:   make(map[string]*rpc.Response),
	}
	t.route(topic, c.receive)
	c.closeSub = t.OnClose(func() {
		c.registry.CloseOwner(c, ErrClosed)
	})
	return c
}

// Topic implements relay.Client.
func (c *Client) Topic() string { return c.topic }

// Key implements relay.Client.
func (c *Client) Key() []byte { return c.key }

// Transport implements relay.Client.
func (c *Client) Transport() relay.Transport { return c.transport }

// OnRequest implements relay.Client.  Only the first handler that does not
// return rpc.ErrMethodNotFound answers a request.
func (c *Client) OnRequest(fn relay.RequestHandler) *event.Subscription {
	return c.handlers.Subscribe(func(in *inbound) {
		if in.handled {
			return
		}
		result, err := fn(context.Background(), in.req)
		if errors.Is(err, rpc.ErrMethodNotFound) {
			return
		}
		in.handled, in.result, in.err = true, result, err
	})
}

func (c *Client) publish(ctx context.Context, msg *jsonMessage, tag int, ttl time.Duration) error {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	envelope, err := Seal(c.key, plaintext)
	if err != nil {
		return err
	}
	return c.transport.Publish(ctx, c.topic, envelope, tag, ttl)
}

// request publishes a call and registers the wait for its response.
func (c *Client) request(ctx context.Context, method string, params any, tag int, ttl time.Duration) (int64, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return 0, err
	}
	msg := &jsonMessage{ID: newID(), JSONRPC: "2.0", Method: method, Params: raw}
	key := strconv.FormatInt(msg.ID, 10)
	p, err := c.registry.Register(key, c)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.pending[key] = p
	c.mu.Unlock()

	if err = c.publish(ctx, msg, tag, ttl); err != nil {
		c.registry.Reject(key, err)
		return 0, err
	}
	return msg.ID, nil
}

// Wait implements relay.Client.
func (c *Client) Wait(ctx context.Context, receipt session.Receipt) (bool, error) {
	res, err := c.wait(ctx, receipt.ID)
	if err != nil {
		return false, err
	}
	return decodeBool(res)
}

// wait returns the response to call id, which may have been published by
// an earlier process.
func (c *Client) wait(ctx context.Context, id int64) (*rpc.Response, error) {
	key := strconv.FormatInt(id, 10)

	c.mu.Lock()
	p, ok := c.pending[key]
	delete(c.pending, key)
	if res, orphan := c.orphans[key]; orphan {
		delete(c.orphans, key)
		c.mu.Unlock()
		return res, nil
	}
	c.mu.Unlock()

	if !ok {
		var err error
		if p, err = c.registry.Register(key, c); err != nil {
			return nil, err
		}
		// The response may have arrived while registering.
		c.mu.Lock()
		if res, orphan := c.orphans[key]; orphan {
			delete(c.orphans, key)
			c.registry.Resolve(key, res)
		}
		c.mu.Unlock()
	}
	return p.Wait(ctx)
}

func decodeBool(res *rpc.Response) (bool, error) {
	var ok bool
	if err := res.Decode(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *Client) receive(envelope string) {
	plaintext, err := Open(c.key, envelope)
	if err != nil {
		c.log.Debugf("%s: undecryptable message: %v", c.topic, err)
		return
	}
	var msg jsonMessage
	if err = json.Unmarshal(plaintext, &msg); err != nil {
		c.log.Debugf("%s: bad message: %v", c.topic, err)
		return
	}

	if msg.Method == "" {
		res := msg.response()
		if c.registry.Resolve(res.ID, res) {
			return
		}
		c.mu.Lock()
		if len(c.orphans) < maxOrphans {
			c.orphans[res.ID] = res
		}
		c.mu.Unlock()
		return
	}

	go c.serve(&msg)
}

func (c *Client) serve(msg *jsonMessage) {
	params, err := rpc.FromJSON(msg.Params)
	if err != nil {
		c.log.Debugf("%s: bad params for %s: %v", c.topic, msg.Method, err)
		return
	}
	in := &inbound{req: &rpc.Request{ID: strconv.FormatInt(msg.ID, 10), Method: msg.Method, Params: params}}
	c.handlers.Publish(in)

	reply := &jsonMessage{ID: msg.ID, JSONRPC: "2.0"}
	switch {
	case !in.handled:
		e := rpc.Errorf(rpc.ErrMethodNotFound, "%s: method not found", msg.Method)
		reply.Error = &jsonError{Code: e.Code, Message: e.Message}
	case in.err != nil:
		e := rpc.ErrorFrom(in.err)
		reply.Error = &jsonError{Code: e.Code, Message: e.Message}
	default:
		if reply.Result, err = json.Marshal(in.result); err != nil {
			c.log.Warningf("%s: cannot encode result of %s: %v", c.topic, msg.Method, err)
			return
		}
	}

	tag, ok := responseTags[msg.Method]
	if !ok {
		tag = tagUnknownResponse
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err = c.publish(ctx, reply, tag, messageTTL); err != nil {
		c.log.Debugf("%s: reply to %s: %v", c.topic, msg.Method, err)
	}
}

// Close implements relay.Client.  The peer is told the user disconnected.
func (c *Client) Close(ctx context.Context) error {
	defer c.transport.unroute(c.topic)
	defer c.closeSub.Close()
	defer c.registry.CloseOwner(c, rpc.ErrClosed)

	msg, err := json.Marshal(map[string]any{"code": 6000, "message": "User disconnected."})
	if err != nil {
		return err
	}
	if err = c.publish(ctx, &jsonMessage{ID: newID(), JSONRPC: "2.0", Method: "wc_sessionDelete", Params: msg}, tagDeleteRequest, messageTTL); err != nil {
		return err
	}
	return c.transport.Unsubscribe(ctx, c.topic)
}
