package ftppool

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/ftppool/config"
	"github.com/AlfredDev/ftppool/connection"
	"github.com/AlfredDev/ftppool/connmanager"
)

// fakeSession is a scriptable connection.Session (plus Login/Type, so it
// can stand in wherever the manager's test dialer needs them).
type fakeSession struct {
	loginErr error
	noopErr  func() error
	quits    int32
}

func (f *fakeSession) Login(user, pass string) error { return f.loginErr }
func (f *fakeSession) Type(t ftp.TransferType) error  { return nil }
func (f *fakeSession) NoOp() error {
	if f.noopErr == nil {
		return nil
	}
	return f.noopErr()
}
func (f *fakeSession) Quit() error {
	atomic.AddInt32(&f.quits, 1)
	return nil
}

func testPool(t *testing.T, poolCfg config.PoolConfig, dial func(ctx context.Context, cfg config.ConnectionConfig) (connection.Session, error)) *Pool {
	t.Helper()
	connCfg := config.ConnectionConfig{Host: "ftp.example.test", Port: 21, MaxConnections: poolCfg.MaxTotal}
	log := zerolog.New(io.Discard)

	mgr, err := connmanager.NewWithDialer(connCfg, log, dial)
	if err != nil {
		t.Fatalf("NewWithDialer: %v", err)
	}
	p, err := newPool(mgr, connCfg, poolCfg, log)
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func alwaysHealthyDial(ctx context.Context, cfg config.ConnectionConfig) (connection.Session, error) {
	return &fakeSession{}, nil
}

func TestBorrowReturnHappyPath(t *testing.T) {
	poolCfg := config.DefaultPoolConfig()
	poolCfg.MaxTotal = 2
	poolCfg.MinIdle = 0
	poolCfg.EvictionRunInterval = 0
	p := testPool(t, poolCfg, alwaysHealthyDial)

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if c.State() != connection.Connected {
		t.Fatalf("expected CONNECTED, got %s", c.State())
	}
	p.Return(c)

	snap := p.Metrics()
	if snap.BorrowedOK != 1 {
		t.Fatalf("expected 1 successful borrow, got %d", snap.BorrowedOK)
	}
	if snap.Idle != 1 {
		t.Fatalf("expected 1 idle connection after return, got %d", snap.Idle)
	}
}

func TestBorrowRecoversFromTransientValidationFailure(t *testing.T) {
	var calls int32
	dial := func(ctx context.Context, cfg config.ConnectionConfig) (connection.Session, error) {
		return &fakeSession{noopErr: func() error {
			n := atomic.AddInt32(&calls, 1)
			if n == 1 {
				return errors.New("421 service not available")
			}
			return nil
		}}, nil
	}

	poolCfg := config.DefaultPoolConfig()
	poolCfg.MaxTotal = 2
	poolCfg.MinIdle = 0
	poolCfg.EvictionRunInterval = 0
	p := testPool(t, poolCfg, dial)

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("expected borrow to recover after one transient validation failure: %v", err)
	}
	if c == nil {
		t.Fatal("expected a connection")
	}
}

func TestBorrowFailsImmediatelyOnNonRecoverableAuthError(t *testing.T) {
	dial := func(ctx context.Context, cfg config.ConnectionConfig) (connection.Session, error) {
		return nil, errors.New("530 login incorrect")
	}
	poolCfg := config.DefaultPoolConfig()
	poolCfg.MaxTotal = 2
	poolCfg.MinIdle = 0
	poolCfg.EvictionRunInterval = 0
	p := testPool(t, poolCfg, dial)

	_, err := p.Borrow(context.Background())
	if err == nil {
		t.Fatal("expected borrow to fail on a non-recoverable login error")
	}
}

func TestPoolExhaustionRespectsMaxWait(t *testing.T) {
	poolCfg := config.DefaultPoolConfig()
	poolCfg.MaxTotal = 1
	poolCfg.MinIdle = 0
	poolCfg.MaxWait = 50 * time.Millisecond
	poolCfg.EvictionRunInterval = 0
	p := testPool(t, poolCfg, alwaysHealthyDial)

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	start := time.Now()
	_, err = p.Borrow(context.Background())
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected second borrow to time out while the pool is exhausted")
	}
	if elapsed < poolCfg.MaxWait {
		t.Fatalf("expected borrow to wait at least MaxWait=%v, took %v", poolCfg.MaxWait, elapsed)
	}

	p.Return(c)
}

func TestPoolHandsOffReturnedConnectionToWaiter(t *testing.T) {
	poolCfg := config.DefaultPoolConfig()
	poolCfg.MaxTotal = 1
	poolCfg.MinIdle = 0
	poolCfg.MaxWait = time.Second
	poolCfg.EvictionRunInterval = 0
	p := testPool(t, poolCfg, alwaysHealthyDial)

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var got *connection.Connection
	var waitErr error
	go func() {
		defer wg.Done()
		got, waitErr = p.Borrow(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	p.Return(c)
	wg.Wait()

	if waitErr != nil {
		t.Fatalf("expected waiting borrow to succeed once the connection was returned: %v", waitErr)
	}
	if got != c {
		t.Fatal("expected the waiter to receive the exact returned connection")
	}
}

func TestReturnOfNonConnectedConnectionDoesNotLeakActiveGauge(t *testing.T) {
	poolCfg := config.DefaultPoolConfig()
	poolCfg.MaxTotal = 2
	poolCfg.MinIdle = 0
	poolCfg.EvictionRunInterval = 0
	p := testPool(t, poolCfg, alwaysHealthyDial)

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	c.SetState(connection.Failed)
	p.Return(c)

	snap := p.Metrics()
	if snap.Active != 0 {
		t.Fatalf("expected Active=0 after returning a non-CONNECTED connection, got %d", snap.Active)
	}
}

func TestReturnFailingTestOnReturnDoesNotLeakActiveGauge(t *testing.T) {
	dial := func(ctx context.Context, cfg config.ConnectionConfig) (connection.Session, error) {
		return &fakeSession{noopErr: func() error { return errors.New("421 service not available") }}, nil
	}
	poolCfg := config.DefaultPoolConfig()
	poolCfg.MaxTotal = 2
	poolCfg.MinIdle = 0
	poolCfg.EvictionRunInterval = 0
	poolCfg.TestOnBorrow = false
	poolCfg.TestOnReturn = true
	p := testPool(t, poolCfg, dial)

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	p.Return(c)

	snap := p.Metrics()
	if snap.Active != 0 {
		t.Fatalf("expected Active=0 after a failed TestOnReturn validation, got %d", snap.Active)
	}
}

func TestShutdownLeavesActiveConnectionForCallerToRelease(t *testing.T) {
	poolCfg := config.DefaultPoolConfig()
	poolCfg.MaxTotal = 2
	poolCfg.MinIdle = 0
	poolCfg.EvictionRunInterval = 0
	p := testPool(t, poolCfg, alwaysHealthyDial)

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if c.State() != connection.Connected {
		t.Fatalf("expected Shutdown to leave a checked-out connection CONNECTED, got %s", c.State())
	}

	// Returning it after Shutdown must still destroy it (p.closed path).
	p.Return(c)
	if c.State() == connection.Connected {
		t.Fatal("expected the connection to be destroyed once returned after Shutdown")
	}
}

func TestBreakerStateStartsClosed(t *testing.T) {
	poolCfg := config.DefaultPoolConfig()
	poolCfg.MinIdle = 0
	poolCfg.EvictionRunInterval = 0
	p := testPool(t, poolCfg, alwaysHealthyDial)

	if got := p.BreakerState(); got != "closed" && got != "CLOSED" {
		t.Fatalf("expected a fresh pool's breaker to start closed, got %q", got)
	}
}

func TestFairWaitFalseServesMostRecentWaiterFirst(t *testing.T) {
	poolCfg := config.DefaultPoolConfig()
	poolCfg.MaxTotal = 1
	poolCfg.MinIdle = 0
	poolCfg.MaxWait = time.Second
	poolCfg.EvictionRunInterval = 0
	poolCfg.FairWait = false
	p := testPool(t, poolCfg, alwaysHealthyDial)

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}

	order := make(chan int, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := p.Borrow(context.Background()); err == nil {
			order <- 1
		}
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		if _, err := p.Borrow(context.Background()); err == nil {
			order <- 2
		}
	}()
	time.Sleep(10 * time.Millisecond)

	p.Return(c)
	wg.Wait()
	close(order)

	first := <-order
	if first != 2 {
		t.Fatalf("expected the most recently blocked waiter (2) to be served first with FairWait=false, got %d", first)
	}
}

func TestIdleEvictionDestroysConnectionsPastMinEvictableIdleTime(t *testing.T) {
	poolCfg := config.DefaultPoolConfig()
	poolCfg.MaxTotal = 3
	poolCfg.MinIdle = 0
	poolCfg.MaxIdle = 3
	poolCfg.MinEvictableIdleTime = 10 * time.Millisecond
	poolCfg.EvictionRunInterval = 15 * time.Millisecond
	poolCfg.TestWhileIdle = false
	p := testPool(t, poolCfg, alwaysHealthyDial)

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	p.Return(c)

	time.Sleep(60 * time.Millisecond)

	snap := p.Metrics()
	if snap.Evictions == 0 {
		t.Fatalf("expected at least one idle eviction, got %+v", snap)
	}
	if snap.Idle != 0 {
		t.Fatalf("expected idle set drained down to MinIdle=0, got %d idle", snap.Idle)
	}
}

func TestWithConnectionReleasesOnError(t *testing.T) {
	p := testPool(t, func() config.PoolConfig {
		c := config.DefaultPoolConfig()
		c.MaxTotal = 1
		c.MinIdle = 0
		c.EvictionRunInterval = 0
		return c
	}(), alwaysHealthyDial)

	sentinel := errors.New("op failed")
	_, err := WithConnection(context.Background(), p, func(c *connection.Connection) (int, error) {
		return 0, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	// the failed op's connection must have been released (destroyed,
	// per Invalidate), so a fresh Borrow should succeed immediately.
	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("expected pool to recover capacity after WithConnection error: %v", err)
	}
	p.Return(c)
}

func TestWithConnectionReturnsOnSuccess(t *testing.T) {
	p := testPool(t, func() config.PoolConfig {
		c := config.DefaultPoolConfig()
		c.MaxTotal = 1
		c.MinIdle = 0
		c.EvictionRunInterval = 0
		return c
	}(), alwaysHealthyDial)

	result, err := WithConnection(context.Background(), p, func(c *connection.Connection) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %q", result)
	}

	snap := p.Metrics()
	if snap.Idle != 1 {
		t.Fatalf("expected the connection to be returned to idle, got %d idle", snap.Idle)
	}
}
