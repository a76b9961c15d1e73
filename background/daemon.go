// SPDX-FileCopyrightText: © 2024 Brume Wallet contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package background is the wallet orchestrator: it owns the popup, the
// script sessions, the relay sessions and the resource pools, and routes
// the requests of every connected channel.
package background

import (
	"context"
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/brumewallet/brumed/channel"
	"github.com/brumewallet/brumed/circuit"
	"github.com/brumewallet/brumed/config"
	"github.com/brumewallet/brumed/core/log"
	"github.com/brumewallet/brumed/core/utils"
	"github.com/brumewallet/brumed/core/worker"
	"github.com/brumewallet/brumed/popup"
	"github.com/brumewallet/brumed/pool"
	"github.com/brumewallet/brumed/relay"
	"github.com/brumewallet/brumed/relay/wc"
	"github.com/brumewallet/brumed/rpc"
	"github.com/brumewallet/brumed/session"
	"github.com/brumewallet/brumed/storage"
	"github.com/brumewallet/brumed/user"
	"github.com/brumewallet/brumed/wallet"
)

const dbFile = "brumed.db"

var errPopupGone = rpc.Errorf(rpc.ErrClosed, "popup closed before a user was unlocked")

// Listener roles.
const (
	RoleScript     = "script"
	RoleForeground = "foreground"
	RoleHost       = "host"
)

// Option customizes a Daemon.
type Option func(*Daemon)

// WithCircuitCreator replaces the upstream proxy circuit creator.
func WithCircuitCreator(create pool.Creator[*circuit.Circuit]) Option {
	return func(d *Daemon) {
		d.circuitCreator = create
	}
}

// WithRelayDialer replaces the WalletConnect dialer.
func WithRelayDialer(dialer relay.Dialer) Option {
	return func(d *Daemon) {
		d.dialer = dialer
	}
}

// WithWindowManager replaces the host driven window manager.
func WithWindowManager(wm popup.WindowManager) Option {
	return func(d *Daemon) {
		d.windows = wm
	}
}

// WithFetcher replaces the chain RPC fetcher.
func WithFetcher(f wallet.Fetcher) Option {
	return func(d *Daemon) {
		d.fetcher = f
	}
}

// WithKDF sets the password KDF parameters of new users.
func WithKDF(kdf user.KDF) Option {
	return func(d *Daemon) {
		d.kdf = kdf
	}
}

// WithoutListeners skips opening the listeners, for in-process peers.
func WithoutListeners() Option {
	return func(d *Daemon) {
		d.noListen = true
	}
}

// unlocked is the state of the logged in user.  It is replaced as a whole
// on every login.
type unlocked struct {
	user       *user.Session
	sessions   *session.Store
	transient  *storage.Memory
	eths       *pool.Pool[*wallet.Brume]
	transports *pool.Pool[relay.Transport]
	brumes     *brumeMemo
}

// Daemon is the orchestrator.  Everything that was once global state of
// the background lives here.
type Daemon struct {
	worker.Worker
	sync.Mutex

	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	global storage.Store
	memory *storage.Memory
	users  *user.Directory
	kdf    user.KDF
	chains wallet.Chains

	registry *channel.Registry
	host     *popup.HostWindowManager
	windows  popup.WindowManager
	broker   *popup.Broker
	sessions *session.Registry
	relays   *relay.Manager
	dialer   relay.Dialer
	fetcher  wallet.Fetcher

	circuitCreator pool.Creator[*circuit.Circuit]
	circuits       *pool.Pool[*circuit.Circuit]

	current      *unlocked
	unlockedCh   chan struct{}
	unlockedOnce sync.Once

	loginLock   sync.Mutex
	walletsLock sync.Mutex

	noListen  bool
	listeners []*channel.Listener

	ctx    context.Context
	cancel context.CancelFunc

	haltedCh chan interface{}
	haltOnce sync.Once
}

func (d *Daemon) initLogging() error {
	p := d.cfg.Logging.File
	if !d.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(d.cfg.Storage.DataDir, p)
	}

	var err error
	d.logBackend, err = log.New(p, d.cfg.Logging.Level, d.cfg.Logging.Disable)
	if err == nil {
		d.log = d.logBackend.GetLogger("background")
	}
	return err
}

// New initializes the daemon, and starts its pools and listeners.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:        cfg,
		kdf:        user.DefaultKDF,
		registry:   channel.NewRegistry(),
		host:       new(popup.HostWindowManager),
		memory:     storage.NewMemory(),
		chains:     wallet.NewChains(cfg.Chains),
		unlockedCh: make(chan struct{}),
		haltedCh:   make(chan interface{}),
	}
	d.ctx, d.cancel = d.HaltContext(context.Background())
	for _, o := range opts {
		o(d)
	}

	if err := utils.MkDataDir(cfg.Storage.DataDir); err != nil {
		return nil, err
	}
	if err := d.initLogging(); err != nil {
		return nil, err
	}
	d.log.Notice("Brume wallet background daemon")
	if cfg.Logging.Level == "DEBUG" {
		d.log.Warning("Debug logging is enabled.")
	}

	// Past this point, failures need to call d.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			d.Shutdown()
		}
	}()

	var err error
	if d.global, err = storage.NewBolt(filepath.Join(cfg.Storage.DataDir, dbFile)); err != nil {
		d.log.Errorf("Failed to open the database: %v", err)
		return nil, err
	}
	d.users = user.NewDirectory(d.global, d.kdf)

	if d.circuitCreator == nil {
		d.circuitCreator = circuit.NewCreator(cfg.UpstreamProxyConfig(), cfg.Circuits.ProbeAddress, cfg.ProbeTimeout())
	}
	if d.circuits, err = newPool(d, "circuits", cfg.Circuits.Capacity, d.circuitCreator, func(c *circuit.Circuit) { c.Close() }, circuit.Watch); err != nil {
		return nil, err
	}
	if d.fetcher == nil {
		d.fetcher = wallet.NewHTTPFetcher(d.logBackend)
	}
	if d.dialer == nil {
		d.dialer = wc.NewDialer(wc.Config{
			URL:       cfg.Relay.URL,
			ProjectID: cfg.Relay.ProjectID,
			Metadata: session.Metadata{
				Name:        cfg.Relay.WalletName,
				Description: cfg.Relay.WalletDescription,
				URL:         cfg.Relay.WalletURL,
				Icons:       walletIcons(cfg.Relay.WalletIcon),
			},
		}, d.circuits, d.logBackend)
	}
	if d.windows == nil {
		d.windows = d.host
	}

	d.broker = popup.NewBroker(d.windows, d.registry, cfg.Popup.Page, cfg.HelloTimeout(), d.logBackend)
	d.sessions = session.NewRegistry(d, d.logBackend)
	d.relays = relay.NewManager(d, d.dialer, d.logBackend)

	d.startBadge()

	if !d.noListen {
		if err = d.listen(); err != nil {
			return nil, err
		}
	}

	isOk = true
	return d, nil
}

func walletIcons(icon string) []string {
	if icon == "" {
		return nil
	}
	return []string{icon}
}

func newPool[T any](d *Daemon, name string, capacity int, create pool.Creator[T], destroy func(T), watch pool.Watch[T]) (*pool.Pool[T], error) {
	base, max := d.cfg.RetryDelays()
	p, err := pool.New(name, capacity, create,
		pool.WithBackoff[T](base, max),
		pool.WithDestroy(destroy),
		pool.WithWatch(watch),
		pool.WithLogBackend[T](d.logBackend),
	)
	if err != nil {
		return nil, err
	}
	p.Subscribe(func(ev pool.Event) {
		if ev.Err != nil {
			d.log.Debugf("%s: slot %d attempt %d: %v", name, ev.Index, ev.Attempt, ev.Err)
		}
	})
	return p, nil
}

func (d *Daemon) listen() error {
	lCfg := d.cfg.Listen
	roles := []struct {
		role    string
		address string
		handler channel.Handler
		onConn  func(*channel.Conn)
	}{
		{RoleScript, lCfg.ScriptAddress, d.ScriptHandler(), nil},
		{RoleForeground, lCfg.ForegroundAddress, d.ForegroundHandler(), nil},
		{RoleHost, lCfg.HostAddress, d.HostHandler(), func(c *channel.Conn) { d.AttachHost(c) }},
	}
	for _, r := range roles {
		l, err := channel.NewListener(r.role, lCfg.Network, r.address, r.handler, d.registry, d.logBackend, r.onConn)
		if err != nil {
			d.log.Errorf("Failed to start %s listener '%v': %v", r.role, r.address, err)
			return err
		}
		d.listeners = append(d.listeners, l)
	}
	return nil
}

// LogBackend returns the logging backend.
func (d *Daemon) LogBackend() *log.Backend {
	return d.logBackend
}

// Listeners returns the running listeners.
func (d *Daemon) Listeners() []*channel.Listener {
	return d.listeners
}

// Registry returns the correlation registry shared by every channel.
func (d *Daemon) Registry() *channel.Registry {
	return d.registry
}

// RotateLog rotates the log file if logging to a file is enabled.
func (d *Daemon) RotateLog() {
	if err := d.logBackend.Rotate(); err != nil {
		d.log.Errorf("Failed to rotate log file: %v", err)
		return
	}
	d.log.Notice("Log rotated.")
}

// Wait waits till the daemon is terminated for any reason.
func (d *Daemon) Wait() {
	<-d.haltedCh
}

// Shutdown cleanly shuts down the daemon.
func (d *Daemon) Shutdown() {
	d.haltOnce.Do(func() { d.halt() })
}

func (d *Daemon) halt() {
	if d.log != nil {
		d.log.Noticef("Starting graceful shutdown.")
	}

	for _, l := range d.listeners {
		l.Halt()
	}
	if d.relays != nil {
		d.relays.Halt()
	}

	d.cancel()
	d.Halt()

	d.Lock()
	cur := d.current
	d.current = nil
	d.Unlock()
	if cur != nil {
		cur.halt()
	}
	if d.circuits != nil {
		d.circuits.Halt()
	}
	if d.global != nil {
		d.global.Close()
	}

	if d.log != nil {
		d.log.Noticef("Shutdown complete.")
	}
	close(d.haltedCh)
}

func (u *unlocked) halt() {
	u.eths.Halt()
	u.transports.Halt()
	u.transient.Close()
}

func (d *Daemon) unlockedState() (*unlocked, error) {
	d.Lock()
	defer d.Unlock()
	if d.current == nil {
		return nil, session.ErrLocked
	}
	return d.current, nil
}

// Login unlocks a user and makes it current.  The sessions, pools and
// relay sessions of the previous user are released, the relay sessions of
// the new one are reconnected in the background.
func (d *Daemon) Login(ctx context.Context, id, password string) error {
	d.loginLock.Lock()
	defer d.loginLock.Unlock()

	us, err := d.users.Unlock(id, password)
	if err != nil {
		return err
	}

	transient := storage.NewMemory()
	u := &unlocked{
		user:      us,
		sessions:  session.NewStore(us.Storage, transient),
		transient: transient,
		brumes:    newBrumeMemo(),
	}
	if u.eths, err = newPool(d, "eths", d.cfg.Brumes.EthereumCapacity, wallet.NewBrumeCreator(d.circuits, d.chains), func(b *wallet.Brume) { b.Close() }, wallet.WatchBrume); err != nil {
		return err
	}
	if u.transports, err = newPool(d, "wcs", d.cfg.Brumes.RelayCapacity, wc.NewTransportCreator(d.dialer), func(t relay.Transport) { t.Close() }, relay.WatchTransport); err != nil {
		u.eths.Halt()
		return err
	}
	if err = storage.PutCBOR(us.Storage, storage.CurrentUserKey, &user.Ref{UUID: us.User.UUID}); err != nil {
		u.halt()
		return err
	}

	d.sessions.Reset()
	d.relays.CloseAll(ctx)

	d.Lock()
	old := d.current
	d.current = u
	d.Unlock()
	if old != nil {
		old.halt()
	}
	d.unlockedOnce.Do(func() { close(d.unlockedCh) })

	d.log.Noticef("User %s unlocked.", us.User.UUID)
	return d.relays.ReconnectAll()
}

// Store implements session.Env.
func (d *Daemon) Store() (*session.Store, error) {
	u, err := d.unlockedState()
	if err != nil {
		return nil, err
	}
	return u.sessions, nil
}

// Sessions implements relay.Env.
func (d *Daemon) Sessions() (*session.Store, error) {
	return d.Store()
}

// Transports implements relay.Env.
func (d *Daemon) Transports() (*pool.Pool[relay.Transport], error) {
	u, err := d.unlockedState()
	if err != nil {
		return nil, err
	}
	return u.transports, nil
}

// Wallet implements relay.Env.
func (d *Daemon) Wallet(id string) (*wallet.Wallet, error) {
	u, err := d.unlockedState()
	if err != nil {
		return nil, err
	}
	return wallet.Load(u.user.Storage, id)
}

// WaitUnlock implements session.Env.  It shows the popup on its home page,
// where the user logs in, and returns once a user is unlocked.
func (d *Daemon) WaitUnlock(ctx context.Context, anchor popup.Point) error {
	if _, err := d.unlockedState(); err == nil {
		return nil
	}

	h, err := d.broker.OpenOrFocus(ctx, "/", anchor, false)
	if err != nil {
		return err
	}

	removed := make(chan struct{})
	var once sync.Once
	sub := d.broker.OnRemoved(func(w popup.Window) {
		if w.ID == h.Window.ID {
			once.Do(func() { close(removed) })
		}
	})
	defer sub.Close()
	if d.broker.Current() != h {
		return errPopupGone
	}

	select {
	case <-d.unlockedCh:
		return nil
	case <-removed:
		return errPopupGone
	case <-ctx.Done():
		return ctx.Err()
	case <-d.HaltCh():
		return rpc.ErrClosed
	}
}

// requestContext bounds outbound notifications that nobody waits on.
func (d *Daemon) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(d.ctx, d.cfg.RequestTimeout())
}
