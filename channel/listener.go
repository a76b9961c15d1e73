// SPDX-FileCopyrightText: Copyright (C) 2017  Yawning Angel.
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"errors"
	"net"
	"os"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/core/worker"
)

// Listener accepts the connections of one role (scripts, foreground,
// host) and wraps each of them in a Conn.
type Listener struct {
	sync.Mutex
	worker.Worker

	role     string
	handler  Handler
	registry *Registry
	onConn   func(*Conn)

	log        *logging.Logger
	logBackend *log.Backend

	listener net.Listener
	conns    map[string]*Conn

	closeAllWg sync.WaitGroup
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Conns returns the live connections.
func (l *Listener) Conns() []*Conn {
	l.Lock()
	defer l.Unlock()

	conns := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	return conns
}

// Halt stops accepting and closes every connection.
func (l *Listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.listener.Close()
	l.Worker.Halt()

	for _, c := range l.Conns() {
		c.Close()
	}
	l.closeAllWg.Wait()
}

func (l *Listener) worker() {
	addr := l.listener.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.listener.Close() // Usually redundant, but harmless.
	}()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if e, ok := err.(net.Error); ok && e.Timeout() {
				continue
			}
			l.log.Errorf("Critical accept failure: %v", err)
			return
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *Listener) onNewConn(conn net.Conn) {
	c := NewConn(l.role+"/"+NewID(), conn, l.handler, l.registry, l.logBackend)

	l.closeAllWg.Add(1)
	l.Lock()
	l.conns[c.Name()] = c
	l.Unlock()

	c.OnClose(func() { l.onClosedConn(c) })
	if l.onConn != nil {
		l.onConn(c)
	}
	c.Start()
}

func (l *Listener) onClosedConn(c *Conn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	delete(l.conns, c.Name())
}

// NewListener listens on network/address and serves every accepted
// connection with handler.  onConn, if set, sees each connection before
// its first frame is read.
func NewListener(role, network, address string, handler Handler, registry *Registry, backend *log.Backend, onConn func(*Conn)) (*Listener, error) {
	if network == "unix" {
		// Stale sockets from a previous run.
		if _, err := os.Stat(address); err == nil {
			os.Remove(address)
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		role:       role,
		handler:    handler,
		registry:   registry,
		onConn:     onConn,
		log:        backend.GetLogger("listener/" + role),
		logBackend: backend,
		listener:   ln,
		conns:      make(map[string]*Conn),
	}
	l.Go(l.worker)
	return l, nil
}
