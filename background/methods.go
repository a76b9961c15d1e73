// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package background

import (
	"context"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"

	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/session"
	"github.com/brumewallet/brumed/wallet"
)

// wallets resolves every wallet of sess, in session order.
func (d *Daemon) wallets(sess *session.Session) ([]*wallet.Wallet, error) {
	u, err := d.unlockedState()
	if err != nil {
		return nil, err
	}
	return wallet.LoadAll(u.user.Storage, sess.Wallets)
}

// activeWallet is the wallet single account methods answer with.
func (d *Daemon) activeWallet(sess *session.Session) (*wallet.Wallet, error) {
	ref, ok := sess.Active()
	if !ok {
		return nil, rpc.Errorf(rpc.ErrUnauthorized, "session %s has no wallet", sess.ID)
	}
	return d.Wallet(ref.UUID)
}

// signer returns the active wallet, which must be address.
func (d *Daemon) signer(c *call, address string) (*wallet.Wallet, error) {
	w, err := d.activeWallet(c.sess)
	if err != nil {
		return nil, err
	}
	if !wallet.SameAddress(w.Address, address) {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "%s: %s is not the active account", c.method, address)
	}
	return w, nil
}

// ethRequestAccounts lists every account of the session.
func (d *Daemon) ethRequestAccounts(_ context.Context, c *call) (any, error) {
	ws, err := d.wallets(c.sess)
	if err != nil {
		return nil, err
	}
	addresses := make([]string, 0, len(ws))
	for _, w := range ws {
		addresses = append(addresses, w.Address)
	}
	return addresses, nil
}

// ethAccounts only exposes the active account.
func (d *Daemon) ethAccounts(_ context.Context, c *call) (any, error) {
	w, err := d.activeWallet(c.sess)
	if err != nil {
		return nil, err
	}
	return []string{w.Address}, nil
}

func (d *Daemon) ethCoinbase(_ context.Context, c *call) (any, error) {
	if _, ok := c.sess.Active(); !ok {
		return nil, nil
	}
	w, err := d.activeWallet(c.sess)
	if err != nil {
		return nil, err
	}
	return w.Address, nil
}

func (d *Daemon) ethChainID(_ context.Context, c *call) (any, error) {
	return wallet.HexChainID(c.chainID), nil
}

func (d *Daemon) netVersion(_ context.Context, c *call) (any, error) {
	return wallet.DecimalChainID(c.chainID), nil
}

type requestedPermission struct {
	ParentCapability string `cbor:"parentCapability"`
}

type permission struct {
	Invoker          string `cbor:"invoker"`
	ParentCapability string `cbor:"parentCapability"`
	Caveats          []any  `cbor:"caveats"`
}

func (d *Daemon) walletRequestPermissions(_ context.Context, c *call) (any, error) {
	var requested map[string]cbor.RawMessage
	if err := c.request().Tuple(&requested); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(requested))
	for k := range requested {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	perms := make([]requestedPermission, 0, len(keys))
	for _, k := range keys {
		perms = append(perms, requestedPermission{ParentCapability: k})
	}
	return perms, nil
}

func (d *Daemon) walletGetPermissions(_ context.Context, c *call) (any, error) {
	return []permission{{
		Invoker:          c.sess.Origin,
		ParentCapability: "eth_accounts",
		Caveats:          []any{},
	}}, nil
}

type transaction struct {
	From  string  `cbor:"from"`
	To    string  `cbor:"to"`
	Gas   string  `cbor:"gas"`
	Value *string `cbor:"value"`
	Data  *string `cbor:"data"`
}

// ethSendTransaction has the user sign the transaction and broadcasts the
// signed transaction.
func (d *Daemon) ethSendTransaction(ctx context.Context, c *call) (any, error) {
	var tx transaction
	if err := c.request().Tuple(&tx); err != nil {
		return nil, err
	}
	w, err := d.signer(c, tx.From)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"from":     tx.From,
		"to":       tx.To,
		"gas":      tx.Gas,
		"walletId": w.UUID,
		"chainId":  chainParam(c.chainID),
	}
	if tx.Value != nil {
		params["value"] = *tx.Value
	}
	if tx.Data != nil {
		params["data"] = *tx.Data
	}
	signed, err := d.sign(ctx, c, params)
	if err != nil {
		return nil, err
	}
	return d.fetch(ctx, w.UUID, c.chainID, "eth_sendRawTransaction", rpc.MustEncode([]string{signed}))
}

func (d *Daemon) personalSign(ctx context.Context, c *call) (any, error) {
	var message, address string
	if err := c.request().Tuple(&message, &address); err != nil {
		return nil, err
	}
	w, err := d.signer(c, address)
	if err != nil {
		return nil, err
	}
	return d.sign(ctx, c, map[string]string{
		"message":  message,
		"address":  address,
		"walletId": w.UUID,
		"chainId":  chainParam(c.chainID),
	})
}

func (d *Daemon) ethSignTypedDataV4(ctx context.Context, c *call) (any, error) {
	var (
		address string
		raw     cbor.RawMessage
	)
	if err := c.request().Tuple(&address, &raw); err != nil {
		return nil, err
	}
	w, err := d.signer(c, address)
	if err != nil {
		return nil, err
	}

	// Typed data comes either as a JSON string or as the object itself.
	var data string
	if err = cbor.Unmarshal(raw, &data); err != nil {
		js, err := rpc.ToJSON(raw)
		if err != nil {
			return nil, rpc.Errorf(rpc.ErrInvalidParams, "%s: %v", c.method, err)
		}
		data = string(js)
	}
	return d.sign(ctx, c, map[string]string{
		"data":     data,
		"address":  address,
		"walletId": w.UUID,
		"chainId":  chainParam(c.chainID),
	})
}

// sign asks the user to sign and returns the signature.
func (d *Daemon) sign(ctx context.Context, c *call, params map[string]string) (string, error) {
	res, err := d.approve(ctx, &AppRequest{
		Method:  c.method,
		Params:  params,
		Origin:  c.sess.Origin,
		Session: c.sess.ID,
	}, c.anchor, false)
	if err != nil {
		return "", err
	}
	var signature string
	if err = res.Decode(&signature); err != nil {
		return "", fmt.Errorf("%s: invalid signature: %w", c.method, err)
	}
	return signature, nil
}

type switchChain struct {
	ChainID string `cbor:"chainId"`
}

func (d *Daemon) walletSwitchEthereumChain(ctx context.Context, c *call) (any, error) {
	var p switchChain
	if err := c.request().Tuple(&p); err != nil {
		return nil, err
	}
	id, err := wallet.ParseChainID(p.ChainID)
	if err != nil {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "%s: %v", c.method, err)
	}
	if _, ok := d.chains.Get(id); !ok {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "%s: unknown chain %d", c.method, id)
	}
	if _, err = d.sessions.SwitchChain(ctx, c.sess.ID, id); err != nil {
		return nil, err
	}
	c.sess.ChainID = id
	return nil, nil
}
