// Package ftppool is C3: the bounded connection pool that callers use
// directly. It composes connmanager.Manager (C1/C2), breaker.Registry
// (C5), retry.Engine (C6), health.Monitor (C4), and a metrics.Metrics
// sink into the single Borrow/Return/Invalidate/Shutdown surface
// described in SPEC_FULL.md.
package ftppool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/ftppool/breaker"
	"github.com/AlfredDev/ftppool/config"
	"github.com/AlfredDev/ftppool/connection"
	"github.com/AlfredDev/ftppool/connmanager"
	"github.com/AlfredDev/ftppool/ftperr"
	"github.com/AlfredDev/ftppool/health"
	"github.com/AlfredDev/ftppool/metrics"
	"github.com/AlfredDev/ftppool/retry"
)

// serverBreakerName is the name every Pool registers its mandatory
// server-health breaker under (§4.4, §9's pinned composition order).
const serverBreakerName = "server"

// Pool is the public, bounded FTP connection pool.
type Pool struct {
	connCfg config.ConnectionConfig
	poolCfg config.PoolConfig
	log     zerolog.Logger

	manager  *connmanager.Manager
	breakers *breaker.Registry
	retrier  *retry.Engine
	monitor  *health.Monitor
	m        metrics.Metrics

	serverBreaker *breaker.Breaker
	borrowPolicy  retry.RetryPolicy

	mu      sync.Mutex
	idle    *list.List // of *connection.Connection, front = most recently returned
	waiters *list.List // of chan borrowResult
	total   int // total live connections (idle + active)

	closed bool

	evictCancel context.CancelFunc
	evictDone   chan struct{}
}

type borrowResult struct {
	conn *connection.Connection
	err  error
}

// New builds a Pool bound to one FTP target and starts its background
// maintenance, health-monitoring, and idle-eviction goroutines.
func New(connCfg config.ConnectionConfig, poolCfg config.PoolConfig, log zerolog.Logger) (*Pool, error) {
	if err := connCfg.Validate(); err != nil {
		return nil, err
	}
	if err := poolCfg.Validate(); err != nil {
		return nil, err
	}

	mgr, err := connmanager.New(connCfg, log)
	if err != nil {
		return nil, err
	}
	return newPool(mgr, connCfg, poolCfg, log)
}

// newPool builds a Pool around an already-constructed Manager, letting
// tests supply one built with connmanager.NewWithDialer instead of a
// real network dialer.
func newPool(mgr *connmanager.Manager, connCfg config.ConnectionConfig, poolCfg config.PoolConfig, log zerolog.Logger) (*Pool, error) {
	breakers := breaker.NewRegistry(log)
	serverBreaker := breakers.Get(breaker.Config{
		Name:             serverBreakerName,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	})

	p := &Pool{
		connCfg:  connCfg,
		poolCfg:  poolCfg,
		log:      log.With().Str("component", "pool").Str("target", fmt.Sprintf("%s:%d", connCfg.Host, connCfg.Port)).Logger(),
		manager:  mgr,
		breakers: breakers,
		retrier:  retry.New(log),
		monitor:  health.New(mgr, health.DefaultConfig(), log),
		m:        metrics.NewInMemory(),
		serverBreaker: serverBreaker,
		borrowPolicy: retry.RetryPolicy{
			Name:              "borrow",
			MaxAttempts:       maxInt(1, poolCfg.MaxTotal),
			InitialBackoff:    100 * time.Millisecond,
			BackoffMultiplier: 2,
			MaxBackoff:        2 * time.Second,
		},
		idle:    list.New(),
		waiters: list.New(),
	}

	ctx := context.Background()
	p.manager.Start(ctx)
	p.monitor.Start(ctx)
	p.startEvictor()

	for i := 0; i < poolCfg.MinIdle; i++ {
		if c, err := p.createConn(ctx); err == nil {
			p.mu.Lock()
			p.idle.PushFront(c)
			p.mu.Unlock()
			p.m.IncIdle(1)
		}
	}

	return p, nil
}

// SetMetrics swaps the metrics sink (e.g. for a metrics.RedisSink). Call
// before the Pool is shared across goroutines.
func (p *Pool) SetMetrics(m metrics.Metrics) { p.m = m }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (p *Pool) createConn(ctx context.Context) (*connection.Connection, error) {
	c, err := p.manager.Create(ctx)
	if err != nil {
		p.m.IncBorrowFail()
		return nil, err
	}
	p.m.IncCreated()
	p.mu.Lock()
	p.total++
	p.mu.Unlock()
	return c, nil
}

// Borrow obtains a Connection, creating one if the pool has room,
// blocking (up to MaxWait) if the pool is exhausted, and validating it
// per TestOnBorrow with a retry-and-reconnect recovery hook before
// handing it to the caller (§4.2, §8).
func (p *Pool) Borrow(ctx context.Context) (*connection.Connection, error) {
	if p.poolCfg.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.poolCfg.MaxWait)
		defer cancel()
	}

	c, err := p.acquire(ctx)
	if err != nil {
		p.m.IncBorrowFail()
		p.log.Warn().Err(err).Str("kind", string(ftperr.KindOf(err))).Msg("borrow failed")
		return nil, err
	}

	if !p.poolCfg.TestOnBorrow {
		c.Touch()
		p.m.IncBorrowedOK()
		return c, nil
	}

	validated, err := retry.Execute(ctx, p.retrier, p.borrowPolicy, []*breaker.Breaker{p.serverBreaker},
		func(ctx context.Context) (*connection.Connection, error) {
			ok, verr := p.manager.Validate(c)
			p.m.IncValidated(ok)
			if verr != nil {
				return nil, verr
			}
			if !ok {
				return nil, ftperr.New(ftperr.ConnectionClosed, "borrowed connection failed validation")
			}
			return c, nil
		},
		func(ctx context.Context, cause error) bool {
			ok, rerr := p.manager.Reconnect(ctx, c)
			if ok {
				p.m.IncReconnects()
			}
			return rerr == nil && ok
		},
	)
	if err != nil {
		p.manager.Close(c)
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.m.IncActive(-1)
		p.m.IncDestroyed()
		p.m.IncBorrowFail()
		p.log.Warn().Err(err).Str("kind", string(ftperr.KindOf(err))).Msg("borrow failed")
		return nil, err
	}

	validated.Touch()
	p.m.IncBorrowedOK()
	return validated, nil
}

// acquire returns an idle Connection, creates a new one if there is
// room, or blocks until one of those becomes possible or ctx expires.
func (p *Pool) acquire(ctx context.Context) (*connection.Connection, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ftperr.New(ftperr.Unexpected, "pool is shut down")
		}

		if c := p.popIdleLocked(); c != nil {
			p.mu.Unlock()
			p.m.IncIdle(-1)
			p.m.IncActive(1)
			return c, nil
		}

		if p.total < p.poolCfg.MaxTotal {
			p.mu.Unlock()
			c, err := p.createConn(ctx)
			if err != nil {
				return nil, err
			}
			p.m.IncActive(1)
			return c, nil
		}

		if !p.poolCfg.BlockWhenExhausted {
			p.mu.Unlock()
			return nil, ftperr.New(ftperr.PoolExhausted, "pool exhausted and block-when-exhausted is disabled")
		}

		ch := make(chan borrowResult, 1)
		el := p.waiters.PushBack(ch)
		p.m.IncWaiters(1)
		p.mu.Unlock()

		select {
		case res := <-ch:
			p.m.IncWaiters(-1)
			if res.err != nil {
				return nil, res.err
			}
			p.m.IncActive(1)
			return res.conn, nil
		case <-ctx.Done():
			p.mu.Lock()
			p.waiters.Remove(el)
			p.mu.Unlock()
			p.m.IncWaiters(-1)
			return nil, ctx.Err()
		}
	}
}

// popIdleLocked removes and returns one Connection from the idle set
// per the configured Ordering. Caller must hold p.mu.
func (p *Pool) popIdleLocked() *connection.Connection {
	if p.idle.Len() == 0 {
		return nil
	}
	var el *list.Element
	if p.poolCfg.Ordering == config.OrderFIFO {
		el = p.idle.Back()
	} else {
		el = p.idle.Front()
	}
	p.idle.Remove(el)
	return el.Value.(*connection.Connection)
}

// nextWaiterLocked picks the waiter to wake next. FairWait serves the
// oldest waiter first (FIFO); otherwise the most recently blocked waiter
// is served first, which spec §4.2 tolerates ("any-order wake is allowed"
// when fair-wait is disabled) and avoids favoring whichever goroutine
// happened to queue up first under contention. Caller must hold p.mu.
func (p *Pool) nextWaiterLocked() *list.Element {
	if p.waiters.Len() == 0 {
		return nil
	}
	if p.poolCfg.FairWait {
		return p.waiters.Front()
	}
	return p.waiters.Back()
}

// handOffToWaiterLocked gives a just-returned Connection directly to the
// next waiter (per nextWaiterLocked) instead of placing it on the idle
// list. Caller must hold p.mu. Returns true if a waiter received it.
func (p *Pool) handOffToWaiterLocked(c *connection.Connection) bool {
	el := p.nextWaiterLocked()
	if el == nil {
		return false
	}
	p.waiters.Remove(el)
	ch := el.Value.(chan borrowResult)
	ch <- borrowResult{conn: c}
	return true
}

// Return gives a Connection back to the pool. If TestOnReturn is set it
// is validated first; a failed validation (or an already-FAILED
// Connection) destroys it instead of returning it to idle. Excess idle
// connections beyond MaxIdle are evicted per EvictionPolicy.
func (p *Pool) Return(c *connection.Connection) {
	if c == nil {
		return
	}
	c.Touch()

	if c.State() != connection.Connected {
		p.mu.Lock()
		p.m.IncActive(-1)
		p.mu.Unlock()
		p.destroy(c)
		return
	}

	if p.poolCfg.TestOnReturn {
		ok, _ := p.manager.Validate(c)
		p.m.IncValidated(ok)
		if !ok {
			p.mu.Lock()
			p.m.IncActive(-1)
			p.mu.Unlock()
			p.destroy(c)
			return
		}
	}

	p.mu.Lock()
	p.m.IncActive(-1)
	if p.closed {
		p.mu.Unlock()
		p.destroy(c)
		return
	}
	if p.handOffToWaiterLocked(c) {
		p.mu.Unlock()
		return
	}
	p.idle.PushFront(c)
	p.m.IncIdle(1)

	for p.poolCfg.MaxIdle > 0 && p.idle.Len() > p.poolCfg.MaxIdle {
		victim := p.evictOneLocked()
		if victim == nil {
			break
		}
		p.mu.Unlock()
		p.destroy(victim)
		p.mu.Lock()
	}
	p.mu.Unlock()
}

// evictOneLocked removes and returns the next idle Connection to
// destroy per EvictionPolicy. Caller must hold p.mu.
func (p *Pool) evictOneLocked() *connection.Connection {
	if p.idle.Len() == 0 {
		return nil
	}
	var el *list.Element
	switch p.poolCfg.EvictionPolicy {
	case config.EvictMRU:
		el = p.idle.Front()
	case config.EvictNone:
		return nil
	case config.EvictOldest: // smallest CreatedAt
		el = p.idle.Front()
		for e := el.Next(); e != nil; e = e.Next() {
			if e.Value.(*connection.Connection).CreatedAt.Before(el.Value.(*connection.Connection).CreatedAt) {
				el = e
			}
		}
	default: // LRU: the tail of a front=most-recently-returned list
		el = p.idle.Back()
	}
	p.idle.Remove(el)
	p.m.IncIdle(-1)
	return el.Value.(*connection.Connection)
}

// Invalidate destroys a Connection asynchronously without returning it
// to idle. It never blocks the caller (§6).
func (p *Pool) Invalidate(c *connection.Connection) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.m.IncActive(-1)
	p.mu.Unlock()
	go p.destroy(c)
}

func (p *Pool) destroy(c *connection.Connection) {
	p.manager.Close(c)
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	p.m.IncDestroyed()
}

// Metrics returns a snapshot of current pool activity.
func (p *Pool) Metrics() metrics.Snapshot { return p.m.Snapshot() }

// Health returns the current pool-wide health score from the embedded
// HealthMonitor.
func (p *Pool) Health() health.Snapshot { return p.monitor.Score() }

// BreakerState returns the mandatory server breaker's current state
// ("closed", "open", or "half-open"), satisfying §6's requirement that callers
// can observe breaker state alongside counts/rates/health label without
// threading a breaker.Breaker into the metrics package.
func (p *Pool) BreakerState() string { return p.serverBreaker.State() }

func (p *Pool) startEvictor() {
	if p.poolCfg.EvictionRunInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.evictCancel = cancel
	p.evictDone = make(chan struct{})
	go p.evictLoop(ctx)
}

func (p *Pool) evictLoop(ctx context.Context) {
	defer close(p.evictDone)
	ticker := time.NewTicker(p.poolCfg.EvictionRunInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evictSweep(ctx)
		}
	}
}

// evictSweep destroys idle connections past MinEvictableIdleTime (never
// dipping below MinIdle), optionally validating the survivors, then
// tops the idle set back up to MinIdle.
func (p *Pool) evictSweep(ctx context.Context) {
	var toDestroy []*connection.Connection
	var toValidate []*connection.Connection

	p.mu.Lock()
	if p.poolCfg.MinEvictableIdleTime > 0 {
		for p.idle.Len() > p.poolCfg.MinIdle {
			el := p.idle.Back()
			c := el.Value.(*connection.Connection)
			if c.IdleFor() < p.poolCfg.MinEvictableIdleTime {
				break
			}
			p.idle.Remove(el)
			p.m.IncIdle(-1)
			toDestroy = append(toDestroy, c)
		}
	}
	if p.poolCfg.TestWhileIdle {
		for el := p.idle.Front(); el != nil; el = el.Next() {
			toValidate = append(toValidate, el.Value.(*connection.Connection))
		}
	}
	deficit := p.poolCfg.MinIdle - p.idle.Len()
	p.mu.Unlock()

	for _, c := range toDestroy {
		p.destroy(c)
		p.m.IncEvictions()
	}
	for _, c := range toValidate {
		if ok, _ := p.manager.Validate(c); !ok {
			p.mu.Lock()
			p.removeIdleLocked(c)
			p.mu.Unlock()
			p.destroy(c)
			deficit++
		}
	}
	for i := 0; i < deficit; i++ {
		c, err := p.createConn(ctx)
		if err != nil {
			break
		}
		p.mu.Lock()
		p.idle.PushFront(c)
		p.mu.Unlock()
		p.m.IncIdle(1)
	}
}

func (p *Pool) removeIdleLocked(target *connection.Connection) {
	for el := p.idle.Front(); el != nil; el = el.Next() {
		if el.Value.(*connection.Connection) == target {
			p.idle.Remove(el)
			p.m.IncIdle(-1)
			return
		}
	}
}

// Shutdown stops all background goroutines and destroys every idle
// connection immediately. Connections still checked out to a borrower
// are left alone: they finish their current unit of work and are
// destroyed by the already-closed-aware Return/Invalidate path once the
// borrower releases them (§4.2). It is idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for el := p.waiters.Front(); el != nil; el = el.Next() {
		ch := el.Value.(chan borrowResult)
		ch <- borrowResult{err: ftperr.New(ftperr.Unexpected, "pool is shutting down")}
	}
	p.waiters.Init()

	var idle []*connection.Connection
	for el := p.idle.Front(); el != nil; el = el.Next() {
		idle = append(idle, el.Value.(*connection.Connection))
	}
	p.idle.Init()
	p.m.IncIdle(-int64(len(idle)))
	p.mu.Unlock()

	if p.evictCancel != nil {
		p.evictCancel()
		<-p.evictDone
	}
	p.monitor.Stop()
	p.manager.Stop()

	for _, c := range idle {
		p.destroy(c)
	}
	return nil
}

// WithConnection borrows a Connection, runs op, and guarantees Return
// (or Invalidate on error) on every exit path, including a panic — the
// panic is re-raised after release (§6's "release-on-every-path"
// guarantee for callers who don't want to manage Borrow/Return by hand).
func WithConnection[T any](ctx context.Context, p *Pool, op func(*connection.Connection) (T, error)) (T, error) {
	var zero T
	c, err := p.Borrow(ctx)
	if err != nil {
		return zero, err
	}

	succeeded := false
	defer func() {
		if r := recover(); r != nil {
			p.Invalidate(c)
			panic(r)
		}
		if !succeeded {
			p.Invalidate(c)
		}
	}()

	result, err := op(c)
	if err != nil {
		return zero, err
	}
	succeeded = true
	p.Return(c)
	return result, nil
}
