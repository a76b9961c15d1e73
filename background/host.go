// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

package background

import (
	"context"

	"github.com/brumewallet/brumed/channel"
	"github.com/brumewallet/brumed/internal/instrument"
	"github.com/brumewallet/brumed/rpc"
)

// HostHandler serves the browser host, which reports window events.
func (d *Daemon) HostHandler() channel.Handler {
	return channel.HandlerFunc(func(_ context.Context, _ channel.Port, req *rpc.Request) (any, error) {
		instrument.Request(RoleHost, req.Method)
		switch req.Method {
		case "brume_window_removed":
			var id int
			if err := req.Tuple(&id); err != nil {
				return nil, err
			}
			d.broker.WindowRemoved(id)
			return nil, nil
		default:
			return nil, rpc.Errorf(rpc.ErrMethodNotFound, "%s: method not found", req.Method)
		}
	})
}

// AttachHost makes port the browser host windows and tabs are opened
// through.
func (d *Daemon) AttachHost(port channel.Port) {
	d.host.SetPort(port)
	d.updateBadge()
}
