// Package connmanager implements C2: it dials, authenticates, validates,
// reconnects, and closes connection.Connection values, and runs the
// maintenance sweep that keeps the pool's registry honest between
// borrows. It is the only package that imports github.com/jlaffaye/ftp
// directly — everything else in the module goes through
// connection.Session.
package connmanager

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"github.com/AlfredDev/ftppool/config"
	"github.com/AlfredDev/ftppool/connection"
	"github.com/AlfredDev/ftppool/ftperr"
)

// reconnectSchedule is the fixed 5-entry backoff table from §4.1,
// preserved verbatim for source fidelity (see DESIGN.md / SPEC_FULL.md
// Open Question 3). Attempts beyond the table length saturate at the
// last entry.
var reconnectSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

const maxReconnectAttempts = 5

// dialFunc abstracts ftp.Dial so tests (and Pool's own test harness, via
// NewWithDialer) can substitute a fake dialer with no real network. The
// real dialReal implementation performs Login/Type against the concrete
// *ftp.ServerConn before returning it narrowed to connection.Session.
type dialFunc func(ctx context.Context, cfg config.ConnectionConfig) (connection.Session, error)

// Manager is C2: ConnectionManager.
type Manager struct {
	cfg    config.ConnectionConfig
	log    zerolog.Logger
	dial   dialFunc
	nextID int64

	sweepOnce sync.Once
	sweepStop context.CancelFunc
	sweepDone chan struct{}

	mu       sync.RWMutex
	tracked  map[string]*connection.Connection
}

// New creates a Manager bound to one {host, port, credentials} target.
func New(cfg config.ConnectionConfig, log zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:     cfg,
		log:     log.With().Str("component", "connmanager").Str("target", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).Logger(),
		tracked: make(map[string]*connection.Connection),
	}
	m.dial = m.dialReal
	return m, nil
}

// NewWithDialer builds a Manager that uses dial instead of the real
// jlaffaye/ftp dialer, for tests (e.g. ftppool's Pool tests) that need a
// Manager without a real network.
func NewWithDialer(cfg config.ConnectionConfig, log zerolog.Logger, dial func(ctx context.Context, cfg config.ConnectionConfig) (connection.Session, error)) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:     cfg,
		log:     log.With().Str("component", "connmanager").Str("target", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).Logger(),
		tracked: make(map[string]*connection.Connection),
		dial:    dial,
	}
	return m, nil
}

func (m *Manager) newID() string {
	return strconv.FormatInt(atomic.AddInt64(&m.nextID, 1), 10)
}

// Create establishes a new FTP control session and logs it in, per §4.1.
// On any failure the client resources are released before returning.
func (m *Manager) Create(ctx context.Context) (*connection.Connection, error) {
	conn := connection.New(m.newID(), m.cfg.Host, m.cfg.Port)

	session, err := m.dial(ctx, m.cfg)
	if err != nil {
		conn.SetState(connection.Failed)
		kind := ftperr.Classify(err, 0)
		var fe *ftperr.Error
		if errors.As(err, &fe) {
			kind = fe.Kind
		} else if kind == ftperr.Unexpected {
			kind = ftperr.ConnectionClosed
		}
		return nil, ftperr.Wrap(kind, "ftp dial/login failed", err)
	}

	conn.SetSession(session)
	conn.SetState(connection.Connected)
	conn.Touch()
	conn.MarkTested()

	m.track(conn)
	m.log.Info().Str("conn", conn.ID).Msg("connection established")
	return conn, nil
}

func (m *Manager) track(c *connection.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[c.ID] = c
}

func (m *Manager) untrack(c *connection.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, c.ID)
}

// Tracked returns a snapshot of every Connection the manager currently
// knows about, for HealthMonitor's registry view (§4.3: "it operates on
// the registry view ConnectionManager maintains").
func (m *Manager) Tracked() []*connection.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*connection.Connection, 0, len(m.tracked))
	for _, c := range m.tracked {
		out = append(out, c)
	}
	return out
}

// Validate sends a NOOP and returns true only on a positive reply. It
// never returns an error for an ordinary validation failure — only for a
// nil or already-DISCONNECTED Connection.
func (m *Manager) Validate(c *connection.Connection) (bool, error) {
	if c == nil || c.State() == connection.Disconnected {
		return false, ftperr.New(ftperr.ValidationError, "cannot validate a nil or disconnected connection")
	}

	session := c.Session()
	if session == nil {
		c.SetState(connection.Failed)
		return false, nil
	}

	err := session.NoOp()
	c.MarkTested()
	if err != nil {
		c.SetState(connection.Failed)
		c.RecordError(0, err.Error())
		m.log.Debug().Str("conn", c.ID).Err(err).Msg("validation failed")
		return false, nil
	}
	c.ResetReconnectAttempts()
	return true, nil
}

// Reconnect is permitted only from FAILED or DISCONNECTED. It sleeps on
// the fixed reconnect schedule, bounded at maxReconnectAttempts total
// attempts per failure episode.
func (m *Manager) Reconnect(ctx context.Context, c *connection.Connection) (bool, error) {
	if c.State() != connection.Failed && c.State() != connection.Disconnected {
		return false, ftperr.New(ftperr.ValidationError, "reconnect permitted only from FAILED or DISCONNECTED")
	}

	c.SetState(connection.Reconnecting)
	attempt := c.IncrReconnectAttempts()
	if attempt > maxReconnectAttempts {
		return false, ftperr.New(ftperr.Unexpected, "reconnect attempts exhausted for this failure episode")
	}

	wait := reconnectSchedule[len(reconnectSchedule)-1]
	if attempt-1 < len(reconnectSchedule) {
		wait = reconnectSchedule[attempt-1]
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return false, ftperr.Wrap(ftperr.Unexpected, "reconnect cancelled", ctx.Err())
	}

	if old := c.Session(); old != nil {
		_ = old.Quit()
		c.SetSession(nil)
	}

	session, err := m.dial(ctx, m.cfg)
	if err != nil {
		c.SetState(connection.Failed)
		return false, nil
	}

	c.SetSession(session)
	c.SetState(connection.Connected)
	c.ResetReconnectAttempts()
	c.Touch()
	c.MarkTested()
	m.log.Info().Str("conn", c.ID).Int("attempt", attempt).Msg("reconnect succeeded")
	return true, nil
}

// Close is idempotent. It transitions through DISCONNECTING to
// DISCONNECTED, attempting a polite logout and tolerating errors.
func (m *Manager) Close(c *connection.Connection) {
	if c.State() == connection.Disconnected {
		return
	}
	c.SetState(connection.Disconnecting)
	if session := c.Session(); session != nil {
		_ = session.Quit()
		c.SetSession(nil)
	}
	c.SetState(connection.Disconnected)
	m.untrack(c)
	m.log.Debug().Str("conn", c.ID).Msg("connection closed")
}

// Start begins the maintenance sweep goroutine (§4.1): at interval
// min(idleTimeout/2, keepAlive), guarded against zero (zero disables —
// the pinned reading of the source's ambiguous Open Question), it closes
// idle-expired Connections and validates stale-tested ones.
func (m *Manager) Start(ctx context.Context) {
	m.sweepOnce.Do(func() {
		sweepCtx, cancel := context.WithCancel(ctx)
		m.sweepStop = cancel
		m.sweepDone = make(chan struct{})
		interval := m.sweepInterval()
		go m.sweepLoop(sweepCtx, interval)
	})
}

// Stop cancels the maintenance sweep and waits for it to exit.
func (m *Manager) Stop() {
	if m.sweepStop != nil {
		m.sweepStop()
		<-m.sweepDone
	}
}

func (m *Manager) sweepInterval() time.Duration {
	idle := m.cfg.ConnectionIdleTimeout
	keepAlive := m.cfg.KeepAliveInterval

	var interval time.Duration
	switch {
	case idle <= 0 && keepAlive <= 0:
		interval = 0
	case idle <= 0:
		interval = keepAlive
	case keepAlive <= 0:
		interval = idle / 2
	default:
		interval = idle / 2
		if keepAlive < interval {
			interval = keepAlive
		}
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (m *Manager) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	for _, c := range m.Tracked() {
		if !c.State().Usable() {
			continue
		}
		if m.cfg.ConnectionIdleTimeout > 0 && c.IdleFor() > m.cfg.ConnectionIdleTimeout {
			m.Close(c)
			continue
		}
		if m.cfg.KeepAliveInterval > 0 && time.Since(c.LastTestedAt()) > m.cfg.KeepAliveInterval {
			if ok, _ := m.Validate(c); !ok {
				m.log.Warn().Str("conn", c.ID).Msg("maintenance sweep found failed connection")
			}
		}
	}
}

func (m *Manager) dialReal(ctx context.Context, cfg config.ConnectionConfig) (connection.Session, error) {
	// jlaffaye/ftp is a passive-mode-only client (PASV/EPSV): it has no
	// DialOption for an active-mode data listener, so ActiveMode and the
	// port-range/external-IP settings that only matter in active mode
	// cannot be honored. Fail fast instead of silently falling back to
	// passive mode (see DESIGN.md's connmanager entry).
	if cfg.ActiveMode {
		return nil, ftperr.New(ftperr.ValidationError, "active-mode data transfers are not supported; configure passive mode")
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}

	dialTimeout := cfg.ConnectTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	dialFn, err := m.buildDialFunc(dialer, cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, ftp.DialWithDialFunc(dialFn))

	switch cfg.TLSMode {
	case config.TLSImplicit:
		opts = append(opts, ftp.DialWithTLS(m.tlsConfig(cfg)))
	case config.TLSExplicit:
		opts = append(opts, ftp.DialWithExplicitTLS(m.tlsConfig(cfg)))
	}

	if cfg.ControlTimeout > 0 {
		opts = append(opts, ftp.DialWithShutTimeout(cfg.ControlTimeout))
	}
	if !isUTF8Encoding(cfg.ControlEncoding) {
		opts = append(opts, ftp.DialWithDisabledUTF8(true))
	}

	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}

	if err := conn.Login(cfg.Username, cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, ftperr.Wrap(ftperr.AuthenticationError, "ftp login refused", err)
	}

	mode := ftp.TransferTypeBinary
	if cfg.TransferMode == config.TransferASCII {
		mode = ftp.TransferTypeASCII
	}
	if err := conn.Type(mode); err != nil {
		_ = conn.Quit()
		return nil, err
	}

	return conn, nil
}

func (m *Manager) tlsConfig(cfg config.ConnectionConfig) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: !cfg.ValidateServerCert,
		ServerName:         cfg.Host,
	}
}

// buildDialFunc returns the dial function jlaffaye/ftp uses for both the
// control connection and every data connection it opens (rclone's FTP
// backend reuses DialWithDialFunc the same way). It routes through the
// configured proxy, if any, then wraps the raw net.Conn to apply
// BufferSize and DataTimeout uniformly to whichever socket gets dialed.
func (m *Manager) buildDialFunc(dialer *net.Dialer, cfg config.ConnectionConfig) (func(network, address string) (net.Conn, error), error) {
	var dial func(network, address string) (net.Conn, error)

	switch cfg.ProxyType {
	case config.ProxyNone, "":
		dial = dialer.Dial
	case config.ProxyHTTP:
		dial = m.httpConnectDialFunc(dialer)
	case config.ProxySOCKS5:
		var auth *proxy.Auth
		if cfg.ProxyUser != "" {
			auth = &proxy.Auth{User: cfg.ProxyUser, Password: cfg.ProxyPassword}
		}
		proxyAddr := net.JoinHostPort(cfg.ProxyHost, strconv.Itoa(cfg.ProxyPort))
		socksDialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, dialer)
		if err != nil {
			return nil, ftperr.Wrap(ftperr.ValidationError, "failed to build SOCKS5 dialer", err)
		}
		dial = socksDialer.Dial
	case config.ProxySOCKS4:
		// golang.org/x/net/proxy, the pack's SOCKS client library, only
		// implements the SOCKS5 handshake; there is no SOCKS4 dialer to
		// reach for. Reject explicitly rather than hand back a raw TCP
		// connection FTP commands will silently fail over.
		return nil, ftperr.New(ftperr.ValidationError, "SOCKS4 proxying is not supported; use SOCKS5 or HTTP")
	default:
		return nil, ftperr.New(ftperr.ValidationError, "unknown proxy type: "+string(cfg.ProxyType))
	}

	bufSize := cfg.BufferSize
	dataTimeout := cfg.DataTimeout
	return func(network, address string) (net.Conn, error) {
		conn, err := dial(network, address)
		if err != nil {
			return nil, err
		}
		return newTunedConn(conn, bufSize, dataTimeout), nil
	}, nil
}

// httpConnectDialFunc tunnels the dial through an HTTP CONNECT proxy.
func (m *Manager) httpConnectDialFunc(dialer *net.Dialer) func(network, address string) (net.Conn, error) {
	return func(network, address string) (net.Conn, error) {
		proxyAddr := net.JoinHostPort(m.cfg.ProxyHost, strconv.Itoa(m.cfg.ProxyPort))
		conn, err := dialer.Dial(network, proxyAddr)
		if err != nil {
			return nil, err
		}
		req := "CONNECT " + address + " HTTP/1.1\r\nHost: " + address + "\r\n\r\n"
		if _, err := conn.Write([]byte(req)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		// Consume the proxy's reply up to the blank line one byte at a
		// time, so none of the FTP server's greeting is read here.
		var reply []byte
		one := make([]byte, 1)
		for !strings.HasSuffix(string(reply), "\r\n\r\n") {
			if _, err := conn.Read(one); err != nil {
				_ = conn.Close()
				return nil, err
			}
			reply = append(reply, one[0])
		}
		if status := strings.Fields(string(reply)); len(status) < 2 || status[1] != "200" {
			_ = conn.Close()
			return nil, fmt.Errorf("http proxy refused CONNECT to %s", address)
		}
		return conn, nil
	}
}

func isUTF8Encoding(encoding string) bool {
	if encoding == "" {
		return true
	}
	e := strings.ToUpper(strings.ReplaceAll(encoding, "-", ""))
	return e == "UTF8"
}

// tunedConn wraps a dialed net.Conn so BufferSize and DataTimeout (§4.1)
// apply to every control or data socket the ftp client opens through our
// dial func, not just the initial control connection.
type tunedConn struct {
	net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
}

func newTunedConn(c net.Conn, bufSize int, timeout time.Duration) net.Conn {
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	return &tunedConn{
		Conn:    c,
		r:       bufio.NewReaderSize(c, bufSize),
		w:       bufio.NewWriterSize(c, bufSize),
		timeout: timeout,
	}
}

func (c *tunedConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.r.Read(p)
}

func (c *tunedConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.w.Flush()
}
