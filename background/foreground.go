// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package background

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/brumewallet/brumed/channel"
	"github.com/brumewallet/brumed/core/event"
	"github.com/brumewallet/brumed/internal/instrument"
	"github.com/brumewallet/brumed/pool"
	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/storage"
	"github.com/brumewallet/brumed/user"
	"github.com/brumewallet/brumed/wallet"
)

// logEndpoint receives the anonymous usage ping of brume_log.
const logEndpoint = "https://proxy.brume.money"

type foregroundMethod func(d *Daemon, ctx context.Context, port channel.Port, req *rpc.Request) (any, error)

var foregroundMethods = map[string]foregroundMethod{
	"brume_getPath":        (*Daemon).getPath,
	"brume_setPath":        (*Daemon).setPath,
	"popup_hello":          (*Daemon).popupHello,
	"brume_respond":        (*Daemon).brumeRespond,
	"brume_createUser":     (*Daemon).createUser,
	"brume_login":          (*Daemon).login,
	"brume_getCurrentUser": (*Daemon).getCurrentUser,
	"brume_disconnect":     (*Daemon).disconnect,
	"brume_open":           (*Daemon).open,
	"brume_encrypt":        (*Daemon).encrypt,
	"brume_decrypt":        (*Daemon).decrypt,
	"brume_createSeed":     (*Daemon).createSeed,
	"brume_createWallet":   (*Daemon).createWallet,
	"brume_get_global":     (*Daemon).getGlobal,
	"brume_get_user":       (*Daemon).getUser,
	"brume_set_user":       (*Daemon).setUser,
	"brume_subscribe":      (*Daemon).subscribe,
	"brume_eth_fetch":      (*Daemon).ethFetch,
	"brume_log":            (*Daemon).brumeLog,
	"brume_wc_connect":     (*Daemon).wcConnect,
	"brume_wc_status":      (*Daemon).wcStatus,
}

// ForegroundHandler serves the wallet pages and the popup.
func (d *Daemon) ForegroundHandler() channel.Handler {
	return channel.HandlerFunc(func(ctx context.Context, port channel.Port, req *rpc.Request) (any, error) {
		instrument.Request(RoleForeground, req.Method)
		fn, ok := foregroundMethods[req.Method]
		if !ok {
			return nil, rpc.Errorf(rpc.ErrMethodNotFound, "%s: method not found", req.Method)
		}
		return fn(d, ctx, port, req)
	})
}

func (d *Daemon) getPath(_ context.Context, _ channel.Port, _ *rpc.Request) (any, error) {
	var path string
	err := storage.GetCBOR(d.memory, storage.PathKey, &path)
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}
	return path, nil
}

func (d *Daemon) setPath(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var path string
	if err := req.Tuple(&path); err != nil {
		return nil, err
	}
	return nil, storage.PutCBOR(d.memory, storage.PathKey, path)
}

func (d *Daemon) popupHello(_ context.Context, port channel.Port, _ *rpc.Request) (any, error) {
	d.broker.Hello(port)
	return nil, nil
}

func (d *Daemon) brumeRespond(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var f rpc.Frame
	if err := req.Tuple(&f); err != nil {
		return nil, err
	}
	if f.ID == "" {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "brume_respond: missing id")
	}
	if !d.respond(&f) {
		d.log.Debugf("Response to unknown request %s", f.ID)
	}
	return nil, nil
}

func (d *Daemon) createUser(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var init user.Init
	if err := req.Tuple(&init); err != nil {
		return nil, err
	}
	if _, err := d.users.Create(&init); err != nil {
		return nil, err
	}
	return d.users.List()
}

func (d *Daemon) login(ctx context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var id, password string
	if err := req.Tuple(&id, &password); err != nil {
		return nil, err
	}
	return nil, d.Login(ctx, id, password)
}

// userView is what the wallet pages see of a user.
type userView struct {
	UUID  string `cbor:"uuid"`
	Name  string `cbor:"name"`
	Color int    `cbor:"color"`
	Emoji string `cbor:"emoji,omitempty"`
}

func (d *Daemon) getCurrentUser(_ context.Context, _ channel.Port, _ *rpc.Request) (any, error) {
	u, err := d.unlockedState()
	if err != nil {
		return nil, nil
	}
	us := u.user.User
	return &userView{UUID: us.UUID, Name: us.Name, Color: us.Color, Emoji: us.Emoji}, nil
}

// disconnect ends a session, whichever kind it is.
func (d *Daemon) disconnect(ctx context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var id string
	if err := req.Tuple(&id); err != nil {
		return nil, err
	}
	if _, err := d.sessions.Disconnect(ctx, id); err != nil {
		return nil, err
	}
	return nil, d.relays.Close(ctx, id)
}

func (d *Daemon) open(ctx context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var path string
	if err := req.Tuple(&path); err != nil {
		return nil, err
	}
	return nil, d.host.OpenTab(ctx, "index.html#"+path)
}

// encrypt returns [nonce, ciphertext], both base64.
func (d *Daemon) encrypt(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var plainBase64 string
	if err := req.Tuple(&plainBase64); err != nil {
		return nil, err
	}
	u, err := d.unlockedState()
	if err != nil {
		return nil, err
	}
	plain, err := base64.StdEncoding.DecodeString(plainBase64)
	if err != nil {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "brume_encrypt: %v", err)
	}
	sealed, err := u.user.Encrypt(plain)
	if err != nil {
		return nil, err
	}
	nonce, cipher := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return []string{base64.StdEncoding.EncodeToString(nonce), base64.StdEncoding.EncodeToString(cipher)}, nil
}

func (d *Daemon) decrypt(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var nonceBase64, cipherBase64 string
	if err := req.Tuple(&nonceBase64, &cipherBase64); err != nil {
		return nil, err
	}
	u, err := d.unlockedState()
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceBase64)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "brume_decrypt: invalid nonce")
	}
	cipher, err := base64.StdEncoding.DecodeString(cipherBase64)
	if err != nil {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "brume_decrypt: %v", err)
	}
	plain, err := u.user.Decrypt(append(nonce, cipher...))
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.EncodeToString(plain), nil
}

func (d *Daemon) createSeed(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var seed wallet.Seed
	if err := req.Tuple(&seed); err != nil {
		return nil, err
	}
	u, err := d.unlockedState()
	if err != nil {
		return nil, err
	}
	d.walletsLock.Lock()
	defer d.walletsLock.Unlock()
	return nil, wallet.CreateSeed(u.user.Storage, &seed)
}

func (d *Daemon) createWallet(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var w wallet.Wallet
	if err := req.Tuple(&w); err != nil {
		return nil, err
	}
	u, err := d.unlockedState()
	if err != nil {
		return nil, err
	}
	d.walletsLock.Lock()
	defer d.walletsLock.Unlock()
	if err = wallet.Create(u.user.Storage, &w); err != nil {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "brume_createWallet: %v", err)
	}
	return w.UUID, nil
}

func getRaw(st storage.Store, key string) (any, error) {
	raw, err := st.Get(key)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cbor.RawMessage(raw), nil
}

func (d *Daemon) getGlobal(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var key string
	if err := req.Tuple(&key); err != nil {
		return nil, err
	}
	if strings.HasPrefix(key, storage.UserKey("")) {
		return nil, rpc.Errorf(rpc.ErrUnauthorized, "brume_get_global: %s is private", key)
	}
	return getRaw(d.global, key)
}

// isTransient returns true for the user keys that only live in memory.
func isTransient(key string) bool {
	return strings.HasPrefix(key, storage.StatusKey("")) ||
		key == storage.TemporarySessionsKey
}

// userStore returns the store holding key for the current user.
func (d *Daemon) userStore(key string) (storage.Store, *unlocked, error) {
	u, err := d.unlockedState()
	if err != nil {
		return nil, nil, err
	}
	if isTransient(key) {
		return u.transient, u, nil
	}
	return u.user.Storage, u, nil
}

func (d *Daemon) getUser(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var key string
	if err := req.Tuple(&key); err != nil {
		return nil, err
	}
	if key == storage.RequestsKey || strings.HasPrefix(key, storage.RequestKey("")) {
		return getRaw(d.memory, key)
	}
	st, u, err := d.userStore(key)
	if err != nil {
		return nil, err
	}
	v, err := getRaw(st, key)
	if v == nil && err == nil && strings.HasPrefix(key, storage.SessionKey("")) {
		// Temporary sessions.
		return getRaw(u.transient, key)
	}
	return v, err
}

func (d *Daemon) setUser(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var (
		key string
		raw cbor.RawMessage
	)
	if err := req.Tuple(&key, &raw); err != nil {
		return nil, err
	}
	st, _, err := d.userStore(key)
	if err != nil {
		return nil, err
	}
	if rpc.IsNull(raw) {
		return nil, st.Delete(key)
	}
	return nil, st.Set(key, raw)
}

// subscribe pushes brume_update([key, value]) to port on every change of
// key, until port closes.
func (d *Daemon) subscribe(_ context.Context, port channel.Port, req *rpc.Request) (any, error) {
	var key string
	if err := req.Tuple(&key); err != nil {
		return nil, err
	}

	stores := []storage.Store{d.memory}
	if st, _, err := d.userStore(key); err == nil {
		stores = append(stores, st)
	} else {
		stores = append(stores, d.global)
	}

	push := func(c storage.Change) {
		var v any
		if !c.Deleted {
			v = cbor.RawMessage(c.Value)
		}
		ctx, cancel := d.requestContext()
		defer cancel()
		if err := port.Notify(ctx, "brume_update", []any{c.Key, v}); err != nil {
			d.log.Debugf("%s: brume_update %s: %v", port.Name(), c.Key, err)
		}
	}
	subs := make([]*event.Subscription, 0, len(stores))
	for _, st := range stores {
		subs = append(subs, st.Subscribe(key, push))
	}
	port.OnClose(func() {
		for _, s := range subs {
			s.Close()
		}
	})
	return nil, nil
}

// ethFetch serves [walletId, chainId, {method, params}] for the wallet
// pages.
func (d *Daemon) ethFetch(ctx context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var (
		walletID string
		chainID  int64
		sub      subrequest
	)
	if err := req.Tuple(&walletID, &chainID, &sub); err != nil {
		return nil, err
	}
	if _, err := d.Wallet(walletID); err != nil {
		return nil, err
	}
	if _, ok := d.chains.Get(chainID); !ok {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "brume_eth_fetch: unknown chain %d", chainID)
	}
	return d.fetch(ctx, walletID, chainID, sub.Method, sub.Params)
}

// brumeLog sends an anonymous ping through a circuit when the user opted
// in.
func (d *Daemon) brumeLog(ctx context.Context, _ channel.Port, _ *rpc.Request) (any, error) {
	u, err := d.unlockedState()
	if err != nil {
		return nil, err
	}
	var enabled bool
	if err = storage.GetCBOR(u.user.Storage, storage.LogsSettingKey, &enabled); err != nil && !storage.IsNotFound(err) {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}

	e, err := d.circuits.Take(ctx, pool.CryptoRandom)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{"tor": true, "method": "eth_getBalance"})
	if err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, logEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := e.Value.HTTPClient().Do(hreq)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("brume_log: http status %d", resp.StatusCode)
	}
	return nil, nil
}

// wcConnect pairs a relay session from [uri, walletId] and returns the
// peer metadata.
func (d *Daemon) wcConnect(ctx context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var uri, walletID string
	if err := req.Tuple(&uri, &walletID); err != nil {
		return nil, err
	}
	sess, err := d.relays.Connect(ctx, uri, walletID)
	if err != nil {
		return nil, err
	}
	return &sess.Relay.Metadata, nil
}

type relayStatus struct {
	ID    string `cbor:"id"`
	State string `cbor:"state"`
	Error string `cbor:"error,omitempty"`
}

func (d *Daemon) wcStatus(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
	var id string
	if err := req.Tuple(&id); err != nil {
		return nil, err
	}
	st := &relayStatus{ID: id, State: d.relays.State(id).String()}
	if err := d.relays.Err(id); err != nil {
		st.Error = err.Error()
	}
	return st, nil
}
