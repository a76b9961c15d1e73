// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package background

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strconv"

	"github.com/brumewallet/brumed/channel"
	"github.com/brumewallet/brumed/internal/instrument"
	"github.com/brumewallet/brumed/popup"
	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/session"
	"github.com/brumewallet/brumed/storage"
	"github.com/brumewallet/brumed/wallet"
)

// AppRequest is an approval waiting for the user.  The wallet pages list
// pending requests under storage.RequestsKey.
type AppRequest struct {
	ID      string            `cbor:"id"`
	Method  string            `cbor:"method"`
	Params  map[string]string `cbor:"params"`
	Origin  string            `cbor:"origin"`
	Session string            `cbor:"session,omitempty"`
}

// path is the in-app page showing the request.
func (r *AppRequest) path() string {
	q := url.Values{}
	q.Set("id", r.ID)
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		q.Set(k, r.Params[k])
	}
	return "/" + r.Method + "?" + q.Encode()
}

func (d *Daemon) putRequest(r *AppRequest) error {
	d.Lock()
	defer d.Unlock()

	if err := storage.PutCBOR(d.memory, storage.RequestKey(r.ID), r); err != nil {
		return err
	}
	var ids []string
	if err := storage.GetCBOR(d.memory, storage.RequestsKey, &ids); err != nil && !storage.IsNotFound(err) {
		return err
	}
	return storage.PutCBOR(d.memory, storage.RequestsKey, append(ids, r.ID))
}

func (d *Daemon) deleteRequest(id string) {
	d.Lock()
	defer d.Unlock()

	if err := d.memory.Delete(storage.RequestKey(id)); err != nil {
		d.log.Warningf("Failed to delete request %s: %v", id, err)
	}
	var ids []string
	if err := storage.GetCBOR(d.memory, storage.RequestsKey, &ids); err != nil {
		return
	}
	ids = slices.DeleteFunc(ids, func(v string) bool { return v == id })
	if err := storage.PutCBOR(d.memory, storage.RequestsKey, ids); err != nil {
		d.log.Warningf("Failed to update the request list: %v", err)
	}
}

// Pending returns the approvals waiting for the user.
func (d *Daemon) Pending() ([]*AppRequest, error) {
	d.Lock()
	defer d.Unlock()

	var ids []string
	if err := storage.GetCBOR(d.memory, storage.RequestsKey, &ids); err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	reqs := make([]*AppRequest, 0, len(ids))
	for _, id := range ids {
		r := new(AppRequest)
		if err := storage.GetCBOR(d.memory, storage.RequestKey(id), r); err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

// approve asks the user about r.  With an anchor the request is shown in
// the popup and closing the popup rejects it with rpc.ErrClosed.  Without
// one it waits for a wallet page to answer with brume_respond.
func (d *Daemon) approve(ctx context.Context, r *AppRequest, anchor *popup.Point, force bool) (*rpc.Response, error) {
	if r.ID == "" {
		r.ID = channel.NewID()
	}
	if err := d.putRequest(r); err != nil {
		return nil, err
	}
	defer d.deleteRequest(r.ID)

	var (
		res *rpc.Response
		err error
	)
	if anchor != nil {
		res, err = d.broker.Request(ctx, r.ID, r.path(), *anchor, force)
	} else {
		var p *channel.Pending
		if p, err = d.registry.Register(r.ID, nil); err == nil {
			res, err = p.Wait(ctx)
		}
	}
	if err == nil {
		err = res.Err()
	}

	outcome := "approved"
	switch {
	case err == nil:
	case errors.Is(err, rpc.ErrUserRejected):
		outcome = "rejected"
	case errors.Is(err, rpc.ErrClosed), errors.Is(err, context.Canceled):
		outcome = "closed"
	default:
		outcome = "failed"
	}
	instrument.Approval(r.Method, outcome)
	if err != nil {
		d.log.Debugf("Request %s (%s) %s: %v", r.ID, r.Method, outcome, err)
		return nil, err
	}
	return res, nil
}

// RequestAccounts implements session.Env.  The popup answers with
// [persist, chainId, wallets].
func (d *Daemon) RequestAccounts(ctx context.Context, origin *session.Origin, anchor popup.Point) (*session.Approval, error) {
	res, err := d.approve(ctx, &AppRequest{
		Method: "eth_requestAccounts",
		Params: map[string]string{},
		Origin: origin.Origin,
	}, &anchor, true)
	if err != nil {
		return nil, err
	}

	a := new(session.Approval)
	if err = rpc.DecodeTuple(res.Result, &a.Persist, &a.ChainID, &a.Wallets); err != nil {
		return nil, err
	}
	if len(a.Wallets) == 0 {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "eth_requestAccounts: no wallet approved")
	}
	if _, ok := d.chains.Get(a.ChainID); !ok {
		return nil, rpc.Errorf(rpc.ErrInvalidParams, "eth_requestAccounts: unknown chain %d", a.ChainID)
	}
	return a, nil
}

// respond hands a response from a wallet page to the request waiting for
// it.  Unknown ids are ignored.
func (d *Daemon) respond(f *rpc.Frame) bool {
	return d.registry.Resolve(f.ID, f.Response())
}

// startBadge keeps the host badge in sync with the number of pending
// approvals.
func (d *Daemon) startBadge() {
	changed := make(chan struct{}, 1)
	sub := d.memory.Subscribe(storage.RequestsKey, func(storage.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	d.Go(func() {
		defer sub.Close()
		d.badgeWorker(changed)
	})
}

func (d *Daemon) badgeWorker(changed <-chan struct{}) {
	for {
		select {
		case <-d.HaltCh():
			return
		case <-changed:
		}
		d.updateBadge()
	}
}

func (d *Daemon) updateBadge() {
	reqs, err := d.Pending()
	if err != nil {
		d.log.Warningf("Failed to list requests: %v", err)
		return
	}
	text := ""
	if n := len(reqs); n > 0 {
		text = strconv.Itoa(n)
	}
	ctx, cancel := d.requestContext()
	defer cancel()
	if err := d.host.SetBadge(ctx, text); err != nil && !errors.Is(err, popup.ErrNoHost) {
		d.log.Debugf("Failed to set the badge: %v", err)
	}
}

// chainParam formats a chain id for approval pages.
func chainParam(id int64) string {
	return wallet.HexChainID(id)
}
