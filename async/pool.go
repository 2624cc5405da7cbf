// Package async runs blocking work on a bounded, elastic set of goroutines.
//
// A Pool keeps min workers alive and grows up to max while more tasks wait
// than there are idle workers. Workers above min exit after sitting idle for
// the idle timeout. Tasks start in submission order.
//
//	pool := async.NewPool(3, 10)
//	pool.Submit(func() { poll(job) })
//	...
//	pool.Stop() // runs what is queued, then returns
package async

import (
	"errors"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/metagrid/gwmad/common/stats"
)

const DefaultIdleTimeout = 30 * time.Second

var ErrStopped = errors.New("pool stopped")

type Pool struct {
	min, max    int
	idleTimeout time.Duration
	stat        stats.StatsReceiver

	mu      sync.Mutex
	queue   []func()
	workers int
	idle    int
	stopped bool

	// Wakes idle workers. Spurious wakeups are allowed.
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewPool(min, max int) *Pool {
	return NewCustomPool(min, max, DefaultIdleTimeout, nil)
}

// NewCustomPool is NewPool with an explicit idle timeout and stats.
// max is at least 1 and min is clamped to [0, max].
func NewCustomPool(min, max int, idleTimeout time.Duration, stat stats.StatsReceiver) *Pool {
	if max < 1 {
		max = 1
	}
	if min < 0 {
		min = 0
	}
	if min > max {
		min = max
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	p := &Pool{
		min:         min,
		max:         max,
		idleTimeout: idleTimeout,
		stat:        stat,
		wake:        make(chan struct{}, max),
		stop:        make(chan struct{}),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < min; i++ {
		p.spawn()
	}
	return p
}

// Submit queues task and returns immediately.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.queue = append(p.queue, task)
	p.stat.Gauge(stats.PoolQueuedTasksGauge).Update(int64(len(p.queue)))

	if len(p.queue) > p.idle && p.workers < p.max {
		p.spawn()
	}
	if p.idle > 0 {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Workers returns the number of live workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Stop refuses new tasks, waits for the queued ones to run, and waits for
// every worker to exit. Calling it twice is harmless.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stop)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// spawn starts a worker. Called with mu held.
func (p *Pool) spawn() {
	p.workers++
	p.stat.Gauge(stats.PoolWorkersGauge).Update(int64(p.workers))
	p.wg.Add(1)
	go p.work()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			task := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.stat.Gauge(stats.PoolQueuedTasksGauge).Update(int64(len(p.queue)))
			p.mu.Unlock()
			p.run(task)
			continue
		}
		if p.stopped {
			p.exit()
			p.mu.Unlock()
			return
		}
		var timeout <-chan time.Time
		if p.workers > p.min {
			timeout = time.After(p.idleTimeout)
		}
		p.idle++
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.stop:
		case <-timeout:
			p.mu.Lock()
			p.idle--
			if p.workers > p.min && len(p.queue) == 0 {
				p.exit()
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			continue
		}
		p.mu.Lock()
		p.idle--
		p.mu.Unlock()
	}
}

// exit accounts for a worker leaving. Called with mu held.
func (p *Pool) exit() {
	p.workers--
	p.stat.Gauge(stats.PoolWorkersGauge).Update(int64(p.workers))
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.stat.Counter(stats.PoolTaskPanicsCounter).Inc(1)
			log.WithFields(log.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Recovered from panic in pool task")
		}
	}()
	p.stat.Counter(stats.PoolTasksCounter).Inc(1)
	task()
}
