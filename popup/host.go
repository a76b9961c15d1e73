// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package popup

import (
	"context"
	"errors"
	"sync"

	"github.com/brumewallet/brumed/channel"
)

// ErrNoHost is returned while no host is connected.
var ErrNoHost = errors.New("popup: no host connected")

// Host methods.
const (
	MethodWindowCreate = "brume_window_create"
	MethodWindowUpdate = "brume_window_update"
	MethodTabUpdate    = "brume_tab_update"
	MethodTabCreate    = "brume_tab_create"
	MethodBadge        = "brume_badge"
)

// HostWindowManager drives windows through the connected host port.
type HostWindowManager struct {
	sync.Mutex

	port channel.Port
}

// SetPort makes port the host.  The host is forgotten when port closes.
func (m *HostWindowManager) SetPort(port channel.Port) {
	m.Lock()
	m.port = port
	m.Unlock()

	port.OnClose(func() {
		m.Lock()
		defer m.Unlock()
		if m.port == port {
			m.port = nil
		}
	})
}

// Port returns the host port, if any.
func (m *HostWindowManager) Port() (channel.Port, error) {
	m.Lock()
	defer m.Unlock()
	if m.port == nil {
		return nil, ErrNoHost
	}
	return m.port, nil
}

type createWindow struct {
	URL   string `cbor:"url"`
	Type  string `cbor:"type"`
	State string `cbor:"state"`
	Geometry
}

type tabUpdate struct {
	URL         string `cbor:"url,omitempty"`
	Highlighted bool   `cbor:"highlighted"`
}

type windowUpdate struct {
	Focused bool `cbor:"focused"`
}

// Create implements WindowManager.
func (m *HostWindowManager) Create(ctx context.Context, url string, g Geometry) (Window, error) {
	port, err := m.Port()
	if err != nil {
		return Window{}, err
	}
	res, err := port.Request(ctx, MethodWindowCreate, []any{&createWindow{
		URL:      url,
		Type:     "popup",
		State:    "normal",
		Geometry: g,
	}})
	if err != nil {
		return Window{}, err
	}
	var w Window
	err = res.Decode(&w)
	return w, err
}

// Navigate implements WindowManager.
func (m *HostWindowManager) Navigate(ctx context.Context, w Window, url string) error {
	port, err := m.Port()
	if err != nil {
		return err
	}
	res, err := port.Request(ctx, MethodTabUpdate, []any{w.TabID, &tabUpdate{URL: url, Highlighted: true}})
	if err != nil {
		return err
	}
	return res.Err()
}

// Focus implements WindowManager.
func (m *HostWindowManager) Focus(ctx context.Context, w Window) error {
	port, err := m.Port()
	if err != nil {
		return err
	}
	res, err := port.Request(ctx, MethodWindowUpdate, []any{w.ID, &windowUpdate{Focused: true}})
	if err != nil {
		return err
	}
	return res.Err()
}

// OpenTab opens url in a new tab of the host's main window.
func (m *HostWindowManager) OpenTab(ctx context.Context, url string) error {
	port, err := m.Port()
	if err != nil {
		return err
	}
	res, err := port.Request(ctx, MethodTabCreate, []any{&tabUpdate{URL: url, Highlighted: true}})
	if err != nil {
		return err
	}
	return res.Err()
}

// SetBadge shows text on the extension icon.  An empty text clears it.
func (m *HostWindowManager) SetBadge(ctx context.Context, text string) error {
	port, err := m.Port()
	if err != nil {
		return err
	}
	return port.Notify(ctx, MethodBadge, []string{text})
}

var _ WindowManager = (*HostWindowManager)(nil)
