// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package wc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var errBadURI = errors.New("wc: bad pairing uri")

// PairParams are the parameters of a pairing uri:
// wc:<topic>@2?relay-protocol=irn&symKey=<hex>.
type PairParams struct {
	Topic    string
	Version  string
	Protocol string
	SymKey   []byte
}

// ParseURI parses a pairing uri.
func ParseURI(raw string) (*PairParams, error) {
	rest, ok := strings.CutPrefix(raw, "wc:")
	if !ok {
		return nil, errBadURI
	}
	head, query, _ := strings.Cut(rest, "?")
	topic, version, ok := strings.Cut(head, "@")
	if !ok || topic == "" {
		return nil, errBadURI
	}
	if version != "2" {
		return nil, fmt.Errorf("wc: unsupported version %q", version)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadURI, err)
	}
	p := &PairParams{
		Topic:    topic,
		Version:  version,
		Protocol: values.Get("relay-protocol"),
	}
	if p.Protocol != "irn" {
		return nil, fmt.Errorf("wc: unsupported relay protocol %q", p.Protocol)
	}
	if p.SymKey, err = hex.DecodeString(values.Get("symKey")); err != nil || len(p.SymKey) != KeySize {
		return nil, fmt.Errorf("%w: bad symKey", errBadURI)
	}
	return p, nil
}
