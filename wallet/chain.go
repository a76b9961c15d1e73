// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package wallet

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Chain is one EVM chain and the RPC endpoint used for it.
type Chain struct {
	ChainID int64  `cbor:"chainId" toml:"ChainID"`
	Name    string `cbor:"name" toml:"Name"`
	Symbol  string `cbor:"symbol" toml:"Symbol"`
	URL     string `cbor:"url" toml:"URL"`
}

// DefaultChains is used when the configuration names none.
var DefaultChains = []Chain{
	{ChainID: 1, Name: "Ethereum", Symbol: "ETH", URL: "https://ethereum.publicnode.com"},
	{ChainID: 10, Name: "Optimism", Symbol: "ETH", URL: "https://optimism.publicnode.com"},
	{ChainID: 56, Name: "BNB Chain", Symbol: "BNB", URL: "https://bsc.publicnode.com"},
	{ChainID: 100, Name: "Gnosis", Symbol: "xDAI", URL: "https://gnosis.publicnode.com"},
	{ChainID: 137, Name: "Polygon", Symbol: "MATIC", URL: "https://polygon-bor.publicnode.com"},
	{ChainID: 324, Name: "zkSync Era", Symbol: "ETH", URL: "https://mainnet.era.zksync.io"},
	{ChainID: 8453, Name: "Base", Symbol: "ETH", URL: "https://base.publicnode.com"},
	{ChainID: 42161, Name: "Arbitrum One", Symbol: "ETH", URL: "https://arbitrum-one.publicnode.com"},
	{ChainID: 43114, Name: "Avalanche C-Chain", Symbol: "AVAX", URL: "https://avalanche-c-chain.publicnode.com"},
}

// MainnetID is the chain id sessions start on.
const MainnetID = 1

// Chains indexes chains by id.
type Chains map[int64]Chain

// NewChains builds the index.  Later entries override earlier ones.
func NewChains(chains []Chain) Chains {
	m := make(Chains, len(chains))
	for _, c := range chains {
		m[c.ChainID] = c
	}
	return m
}

// Get returns the chain with id.
func (c Chains) Get(id int64) (Chain, bool) {
	ch, ok := c[id]
	return ch, ok
}

// IDs returns the chain ids in ascending order.
func (c Chains) IDs() []int64 {
	ids := make([]int64, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HexChainID formats id the way eth_chainId reports it.
func HexChainID(id int64) string {
	return "0x" + strconv.FormatInt(id, 16)
}

// DecimalChainID formats id the way net_version reports it.
func DecimalChainID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseChainID accepts a 0x prefixed hex or a decimal chain id.
func ParseChainID(s string) (int64, error) {
	var (
		id  int64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		id, err = strconv.ParseInt(s[2:], 16, 64)
	} else {
		id, err = strconv.ParseInt(s, 10, 64)
	}
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("wallet: invalid chain id '%v'", s)
	}
	return id, nil
}
