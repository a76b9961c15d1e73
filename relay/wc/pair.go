// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package wc

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/brumewallet/brumed/relay"
	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/session"
)

const sessionExpiry = 7 * 24 * time.Hour

// Methods and events granted to every session.
var (
	sessionMethods = []string{"eth_sendTransaction", "personal_sign", "eth_signTypedData_v4"}
	sessionEvents  = []string{"chainChanged", "accountsChanged"}
)

type protocol struct {
	Protocol string `cbor:"protocol" json:"protocol"`
}

type namespace struct {
	Chains   []string `cbor:"chains" json:"chains"`
	Methods  []string `cbor:"methods" json:"methods"`
	Events   []string `cbor:"events" json:"events"`
	Accounts []string `cbor:"accounts,omitempty" json:"accounts,omitempty"`
}

type participant struct {
	PublicKey string           `cbor:"publicKey" json:"publicKey"`
	Metadata  session.Metadata `cbor:"metadata" json:"metadata"`
}

type proposal struct {
	Relays             []protocol           `cbor:"relays"`
	Proposer           participant          `cbor:"proposer"`
	RequiredNamespaces map[string]namespace `cbor:"requiredNamespaces"`
	OptionalNamespaces map[string]namespace `cbor:"optionalNamespaces"`
}

// chains returns the eip155 chains a proposal asks for, or mainnet.
func (p *proposal) chains() []string {
	set := make(map[string]bool)
	for _, nss := range []map[string]namespace{p.RequiredNamespaces, p.OptionalNamespaces} {
		for _, c := range nss["eip155"].Chains {
			if _, err := relay.ParseCAIP2(c); err == nil {
				set[c] = true
			}
		}
	}
	if len(set) == 0 {
		return []string{"eip155:1"}
	}
	chains := make([]string, 0, len(set))
	for c := range set {
		chains = append(chains, c)
	}
	sort.Strings(chains)
	return chains
}

type proposeResult struct {
	Relay              protocol `json:"relay"`
	ResponderPublicKey string   `json:"responderPublicKey"`
}

type settleParams struct {
	Relay      protocol             `json:"relay"`
	Namespaces map[string]namespace `json:"namespaces"`
	Controller participant          `json:"controller"`
	Expiry     int64                `json:"expiry"`
}

// Pair implements relay.Dialer: it answers the proposal published on the
// pairing topic of uri, opens the session topic and publishes the settle
// request for account.
func (d *Dialer) Pair(ctx context.Context, transport relay.Transport, uri, account string) (relay.Client, session.Metadata, session.Receipt, error) {
	var none session.Metadata
	t, ok := transport.(*Transport)
	if !ok {
		return nil, none, session.Receipt{}, errForeignTransport
	}
	params, err := ParseURI(uri)
	if err != nil {
		return nil, none, session.Receipt{}, rpc.Errorf(rpc.ErrInvalidParams, "%v", err)
	}
	kp, err := NewKeyPair()
	if err != nil {
		return nil, none, session.Receipt{}, err
	}

	proposals := make(chan *proposal, 1)
	pairing := newClient(params.Topic, params.SymKey, t)
	defer t.unroute(params.Topic)
	sub := pairing.OnRequest(func(_ context.Context, req *rpc.Request) (any, error) {
		if req.Method != "wc_sessionPropose" {
			return nil, rpc.ErrMethodNotFound
		}
		p := new(proposal)
		if err := req.DecodeParams(p); err != nil {
			return nil, err
		}
		select {
		case proposals <- p:
		default:
		}
		return &proposeResult{
			Relay:              protocol{Protocol: "irn"},
			ResponderPublicKey: hex.EncodeToString(kp.Public[:]),
		}, nil
	})
	defer sub.Close()

	if err = t.Subscribe(ctx, params.Topic); err != nil {
		return nil, none, session.Receipt{}, err
	}
	defer func() {
		if err := t.Unsubscribe(context.Background(), params.Topic); err != nil {
			d.log.Debugf("pairing %s: unsubscribe: %v", params.Topic, err)
		}
	}()

	var p *proposal
	select {
	case p = <-proposals:
	case <-ctx.Done():
		return nil, none, session.Receipt{}, ctx.Err()
	}

	peer, err := hex.DecodeString(p.Proposer.PublicKey)
	if err != nil {
		return nil, none, session.Receipt{}, fmt.Errorf("wc: bad proposer key: %w", err)
	}
	key, err := kp.SessionKey(peer)
	if err != nil {
		return nil, none, session.Receipt{}, err
	}
	topic := Topic(key)
	client := newClient(topic, key, t)
	if err = t.Subscribe(ctx, topic); err != nil {
		t.unroute(topic)
		return nil, none, session.Receipt{}, err
	}

	chains := p.chains()
	accounts := make([]string, 0, len(chains))
	for _, c := range chains {
		accounts = append(accounts, c+":"+account)
	}
	settle := &settleParams{
		Relay: protocol{Protocol: "irn"},
		Namespaces: map[string]namespace{
			"eip155": {
				Chains:   chains,
				Methods:  sessionMethods,
				Events:   sessionEvents,
				Accounts: accounts,
			},
		},
		Controller: participant{
			PublicKey: hex.EncodeToString(kp.Public[:]),
			Metadata:  d.cfg.Metadata,
		},
		Expiry: time.Now().Add(sessionExpiry).Unix(),
	}
	id, err := client.request(ctx, "wc_sessionSettle", settle, tagSettleRequest, settleTTL)
	if err != nil {
		t.unroute(topic)
		return nil, none, session.Receipt{}, err
	}
	d.log.Infof("paired with %s on %s", p.Proposer.Metadata.Name, topic)
	return client, p.Proposer.Metadata, session.Receipt{ID: id, Topic: topic}, nil
}
