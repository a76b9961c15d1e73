// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package background

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/brumewallet/brumed/channel"
	"github.com/brumewallet/brumed/internal/instrument"
	"github.com/brumewallet/brumed/popup"
	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/session"
	"github.com/brumewallet/brumed/wallet"
)

// subrequest is the provider call a page script forwards in brume_run.
type subrequest struct {
	Method string          `cbor:"method"`
	Params cbor.RawMessage `cbor:"params,omitempty"`
}

// call is one wallet method invocation on behalf of a session.
type call struct {
	sess    *session.Session
	chainID int64
	method  string
	params  cbor.RawMessage

	// anchor is nil when no popup may be opened, e.g. for relay peers.
	anchor *popup.Point
}

func (c *call) request() *rpc.Request {
	return &rpc.Request{Method: c.method, Params: c.params}
}

type walletMethod func(d *Daemon, ctx context.Context, c *call) (any, error)

// walletMethods are the methods served by the wallet itself.  Any other
// method is forwarded to the chain.
var walletMethods = map[string]walletMethod{
	"eth_requestAccounts":        (*Daemon).ethRequestAccounts,
	"eth_accounts":               (*Daemon).ethAccounts,
	"eth_coinbase":               (*Daemon).ethCoinbase,
	"eth_chainId":                (*Daemon).ethChainID,
	"net_version":                (*Daemon).netVersion,
	"wallet_requestPermissions":  (*Daemon).walletRequestPermissions,
	"wallet_getPermissions":      (*Daemon).walletGetPermissions,
	"eth_sendTransaction":        (*Daemon).ethSendTransaction,
	"personal_sign":              (*Daemon).personalSign,
	"eth_signTypedData_v4":       (*Daemon).ethSignTypedDataV4,
	"wallet_switchEthereumChain": (*Daemon).walletSwitchEthereumChain,
}

// Answers given to scripts without a session.
var sessionlessDefaults = map[string]any{
	"eth_accounts": []string{},
	"eth_chainId":  wallet.HexChainID(wallet.MainnetID),
	"eth_coinbase": nil,
	"net_version":  wallet.DecimalChainID(wallet.MainnetID),
}

// Methods that establish a session when the script has none.
var escalating = map[string]bool{
	"eth_requestAccounts":       true,
	"wallet_requestPermissions": true,
}

// ScriptHandler serves page scripts.
func (d *Daemon) ScriptHandler() channel.Handler {
	return channel.HandlerFunc(func(ctx context.Context, port channel.Port, req *rpc.Request) (any, error) {
		instrument.Request(RoleScript, req.Method)
		switch req.Method {
		case "brume_icon":
			return d.brumeIcon()
		case "brume_run":
			return d.brumeRun(ctx, port, req)
		default:
			return nil, rpc.Errorf(rpc.ErrMethodNotFound, "%s: method not found", req.Method)
		}
	})
}

// brumeIcon returns the wallet icon as a data URL.
func (d *Daemon) brumeIcon() (string, error) {
	if d.cfg.Debug.IconFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(d.cfg.Debug.IconFile)
	if err != nil {
		return "", err
	}
	return "data:" + http.DetectContentType(b) + ";base64," + base64.StdEncoding.EncodeToString(b), nil
}

// brumeRun serves [subrequest, anchor?].
func (d *Daemon) brumeRun(ctx context.Context, port channel.Port, req *rpc.Request) (any, error) {
	var (
		sub    subrequest
		anchor *popup.Point
	)
	if err := req.Tuple(&sub, &anchor); err != nil {
		return nil, err
	}
	if sub.Method == "" {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "brume_run: missing subrequest method")
	}
	var pt popup.Point
	if anchor != nil {
		pt = *anchor
	}

	sess, err := d.sessions.Get(ctx, port, pt, false)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		if v, ok := sessionlessDefaults[sub.Method]; ok {
			return v, nil
		}
		if escalating[sub.Method] {
			if sess, err = d.sessions.Get(ctx, port, pt, true); err != nil {
				return nil, err
			}
		}
	}
	if sess == nil {
		return nil, rpc.Errorf(rpc.ErrUnauthorized, "%s: no session", sub.Method)
	}

	return d.dispatch(ctx, &call{
		sess:    sess,
		chainID: sess.ChainID,
		method:  sub.Method,
		params:  sub.Params,
		anchor:  anchor,
	})
}

// dispatch runs a wallet method, or forwards it to the chain.
func (d *Daemon) dispatch(ctx context.Context, c *call) (any, error) {
	if fn, ok := walletMethods[c.method]; ok {
		return fn(d, ctx, c)
	}
	return d.passThrough(ctx, c)
}

// HandleSessionRequest implements relay.Env.  Relay peers never get a
// popup, their requests wait for a wallet page.
func (d *Daemon) HandleSessionRequest(ctx context.Context, sess *session.Session, chainID int64, req *rpc.Request) (any, error) {
	if _, ok := d.chains.Get(chainID); !ok {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "%s: unknown chain %d", req.Method, chainID)
	}
	return d.dispatch(ctx, &call{
		sess:    sess,
		chainID: chainID,
		method:  req.Method,
		params:  req.Params,
	})
}

func (d *Daemon) passThrough(ctx context.Context, c *call) (any, error) {
	active, err := d.activeWallet(c.sess)
	if err != nil {
		return nil, err
	}
	return d.fetch(ctx, active.UUID, c.chainID, c.method, c.params)
}

func (d *Daemon) fetch(ctx context.Context, walletID string, chainID int64, method string, params cbor.RawMessage) (cbor.RawMessage, error) {
	brume, err := d.brume(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return d.fetcher.Fetch(ctx, brume, chainID, method, params)
}
