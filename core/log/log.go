// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log is the brumed logging backend, built on go-logging.  One
// Backend is shared by every component, each asking it for a module
// logger.
package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const (
	logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"
	fileMode  = 0600
)

var levels = map[string]logging.Level{
	"ERROR":   logging.ERROR,
	"WARNING": logging.WARNING,
	"NOTICE":  logging.NOTICE,
	"INFO":    logging.INFO,
	"DEBUG":   logging.DEBUG,
}

// ParseLevel maps a configured level name onto a logging.Level.
func ParseLevel(l string) (logging.Level, error) {
	lvl, ok := levels[strings.ToUpper(l)]
	if !ok {
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
	return lvl, nil
}

// Backend implements logging.LeveledBackend over a sink that Rotate can
// reopen.
type Backend struct {
	mu      sync.RWMutex
	leveled logging.LeveledBackend
	out     io.WriteCloser

	file    string
	level   logging.Level
	disable bool
}

// New returns a backend logging at level to file, to stdout when file is
// empty, or nowhere when disable is set.
func New(file string, level string, disable bool) (*Backend, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	b := &Backend{file: file, level: lvl, disable: disable}
	if err = b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

type discard struct{ io.Writer }

func (discard) Close() error { return nil }

func (b *Backend) open() error {
	switch {
	case b.disable:
		b.out = discard{io.Discard}
	case b.file == "":
		b.out = discard{os.Stdout}
	default:
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
		if err != nil {
			return fmt.Errorf("log: failed to open log file: %v", err)
		}
		b.out = f
	}

	formatted := logging.NewBackendFormatter(logging.NewLogBackend(b.out, "", 0), logging.MustStringFormatter(logFormat))
	b.leveled = logging.AddModuleLevel(formatted)
	b.leveled.SetLevel(b.level, "")
	return nil
}

// Rotate closes and reopens the log file, after it was moved away.
func (b *Backend) Rotate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.out.Close(); err != nil {
		return err
	}
	return b.open()
}

// Log implements logging.Backend.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.leveled.Log(level, calldepth, record)
}

// GetLevel implements logging.Leveled.
func (b *Backend) GetLevel(module string) logging.Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.leveled.GetLevel(module)
}

// SetLevel implements logging.Leveled.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.leveled.SetLevel(level, module)
}

// IsEnabledFor implements logging.Leveled.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.leveled.IsEnabledFor(level, module)
}

// GetLogger returns the logger of module.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// StdLogger returns a standard library logger writing to module at level,
// for the net/http servers and the libraries that want one.
func (b *Backend) StdLogger(module string, level string) *stdlog.Logger {
	return stdlog.New(b.Writer(module, level), "", 0)
}

// Writer returns an io.Writer logging each write to module at level.
func (b *Backend) Writer(module string, level string) io.Writer {
	lvl, err := ParseLevel(level)
	if err != nil {
		panic("log: Writer: " + err.Error())
	}
	return &writer{l: b.GetLogger(module), lvl: lvl}
}

type writer struct {
	l   *logging.Logger
	lvl logging.Level
}

func (w *writer) Write(p []byte) (int, error) {
	s := strings.TrimSpace(string(p))
	if s == "" {
		return len(p), nil
	}
	switch w.lvl {
	case logging.ERROR:
		w.l.Error(s)
	case logging.WARNING:
		w.l.Warning(s)
	case logging.NOTICE:
		w.l.Notice(s)
	case logging.INFO:
		w.l.Info(s)
	default:
		w.l.Debug(s)
	}
	return len(p), nil
}
