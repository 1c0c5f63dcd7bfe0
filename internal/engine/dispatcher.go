// Package engine dispatches invocations against hosts. Each host has a FIFO
// queue and a bounded number of in-flight invocations; results are delivered
// through the event bus in completion order.
package engine

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GitHangar/lightkeeper/internal/config"
	"github.com/GitHangar/lightkeeper/internal/connector"
	"github.com/GitHangar/lightkeeper/internal/errors"
	"github.com/GitHangar/lightkeeper/internal/events"
	"github.com/GitHangar/lightkeeper/internal/logger"
	"github.com/GitHangar/lightkeeper/internal/modules"
	"github.com/GitHangar/lightkeeper/internal/platform"
	"github.com/GitHangar/lightkeeper/internal/state"
)

// Options wire a Dispatcher's collaborators.
type Options struct {
	Store      *config.Store
	Modules    *modules.Registry
	Connectors *connector.Registry
	Cache      *state.Cache
	Tracker    *state.Tracker
	Bus        *events.Bus
	Log        logger.Logger

	// RetryDelay is the pause before the single session retry.
	RetryDelay time.Duration

	// QueueSize bounds each host's FIFO queue.
	QueueSize int
}

const (
	defaultRetryDelay = 500 * time.Millisecond
	defaultQueueSize  = 128
)

type invocationKind int

const (
	kindMonitor invocationKind = iota
	kindCommand
	kindInit
)

// invocation is one unit of queued work against a host.
type invocation struct {
	id       uint64
	hostID   string
	kind     invocationKind
	module   modules.Module
	settings map[string]string
	params   []string
}

// hostWorker owns one host's queue and concurrency gate.
type hostWorker struct {
	queue chan invocation
	sem   chan struct{}

	mu          sync.Mutex
	unreachable bool
}

func (w *hostWorker) setUnreachable(v bool) {
	w.mu.Lock()
	w.unreachable = v
	w.mu.Unlock()
}

func (w *hostWorker) isUnreachable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unreachable
}

// Dispatcher is the engine's front door. All operations are safe for
// concurrent use.
type Dispatcher struct {
	store      *config.Store
	modules    *modules.Registry
	connectors *connector.Registry
	cache      *state.Cache
	tracker    *state.Tracker
	bus        *events.Bus
	log        logger.Logger

	retryDelay time.Duration
	queueSize  int

	// Invocation ids are monotonic from 1; 0 is never a valid id.
	nextID atomic.Uint64

	mu        sync.Mutex
	stopped   bool
	workers   map[string]*hostWorker
	effective map[string]config.Effective
	pending   map[uint64]invocation
	cancelled map[uint64]struct{}

	// live tracks queued and in-flight invocation ids. Cancel only
	// records ids found here, so cancellations of delivered or unknown
	// ids cannot accumulate.
	live map[uint64]struct{}

	// initBatches defers a host's initialized event until every monitor
	// refresh issued by its probe has completed. initWait maps those
	// monitor invocation ids back to the host.
	initBatches map[string]*initBatch
	initWait    map[uint64]string

	wg sync.WaitGroup
}

// initBatch is the outstanding post-probe refresh work for one host.
type initBatch struct {
	facts     platform.Facts
	remaining int
}

// NewDispatcher builds a dispatcher over the current configuration. Every
// configured host is registered in the cache in pending state.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	d := &Dispatcher{
		store:       opts.Store,
		modules:     opts.Modules,
		connectors:  opts.Connectors,
		cache:       opts.Cache,
		tracker:     opts.Tracker,
		bus:         opts.Bus,
		log:         opts.Log,
		retryDelay:  opts.RetryDelay,
		queueSize:   opts.QueueSize,
		workers:     make(map[string]*hostWorker),
		pending:     make(map[uint64]invocation),
		cancelled:   make(map[uint64]struct{}),
		live:        make(map[uint64]struct{}),
		initBatches: make(map[string]*initBatch),
		initWait:    make(map[uint64]string),
	}

	if err := d.applyConfiguration(opts.Store.Current()); err != nil {
		return nil, err
	}
	return d, nil
}

// applyConfiguration resolves all hosts and reconciles the worker and cache
// maps against the new host set.
func (d *Dispatcher) applyConfiguration(cfg *config.Configuration) error {
	resolved, err := cfg.ResolveAll()
	if err != nil {
		return err
	}

	prefs := cfg.Main.Preferences
	maxConcurrent := prefs.MaxConcurrentPerHost
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	previous := d.effective
	d.effective = resolved

	for hostID, eff := range resolved {
		d.cache.AddHost(hostID)
		worker, ok := d.workers[hostID]
		if !ok {
			d.workers[hostID] = d.startWorker(maxConcurrent)
			continue
		}
		// A surviving host that now dials differently must not keep
		// its established session.
		if prev, seen := previous[hostID]; seen && !sameEndpoint(prev, eff) {
			d.connectors.Invalidate(hostID)
		}
		if cap(worker.sem) != maxConcurrent {
			// Already-queued work finishes under the old limit; the
			// replacement worker applies the new one.
			close(worker.queue)
			fresh := d.startWorker(maxConcurrent)
			fresh.setUnreachable(worker.isUnreachable())
			d.workers[hostID] = fresh
		}
	}
	for hostID, worker := range d.workers {
		if _, ok := resolved[hostID]; !ok {
			close(worker.queue)
			delete(d.workers, hostID)
			d.cache.RemoveHost(hostID)
			d.tracker.Forget(hostID)
			d.connectors.Invalidate(hostID)
		}
	}
	return nil
}

// sameEndpoint reports whether two resolved hosts dial the same way.
func sameEndpoint(a, b config.Effective) bool {
	return a.Address == b.Address && a.FQDN == b.FQDN &&
		a.Port == b.Port && a.User == b.User &&
		reflect.DeepEqual(a.Connectors, b.Connectors)
}

// startWorker spins up one host's queue loop. Caller holds d.mu.
func (d *Dispatcher) startWorker(maxConcurrent int) *hostWorker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	w := &hostWorker{
		queue: make(chan invocation, d.queueSize),
		sem:   make(chan struct{}, maxConcurrent),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for inv := range w.queue {
			if d.isCancelled(inv.id) {
				d.finish(inv.id)
				d.finishInitMonitor(inv.id)
				continue
			}
			if w.isUnreachable() && inv.kind != kindInit {
				// Draining: queued work on a dead host fails
				// immediately instead of waiting for timeouts.
				d.deliverFailure(inv, errors.New(errors.ErrConnection,
					"Host is unreachable", "Re-initialize the host to reconnect"))
				d.finish(inv.id)
				continue
			}

			w.sem <- struct{}{}
			d.wg.Add(1)
			go func(inv invocation) {
				defer d.wg.Done()
				defer func() { <-w.sem }()
				d.run(w, inv)
			}(inv)
		}
	}()
	return w
}

// newInvocationID hands out the next id. Ids start at 1 so 0 can signal
// "no invocation" to callers.
func (d *Dispatcher) newInvocationID() uint64 {
	return d.nextID.Add(1)
}

// submit places an invocation on its host's queue. The enqueue happens
// under the dispatcher lock so Stop cannot close the queue mid-send.
func (d *Dispatcher) submit(inv invocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return errors.New(errors.ErrExecution, "Engine is stopped", "")
	}
	worker, ok := d.workers[inv.hostID]
	if !ok {
		return errors.New(errors.ErrConfig,
			"Unknown host \""+inv.hostID+"\"", "")
	}

	select {
	case worker.queue <- inv:
		d.live[inv.id] = struct{}{}
		return nil
	default:
		return errors.New(errors.ErrExecution,
			"Invocation queue for \""+inv.hostID+"\" is full",
			"The host is not keeping up; retry once pending work drains")
	}
}

func (d *Dispatcher) hostConfig(hostID string) (config.Effective, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	eff, ok := d.effective[hostID]
	return eff, ok
}

func (d *Dispatcher) preferences() config.Preferences {
	return d.store.Current().Main.Preferences
}

func (d *Dispatcher) executionTimeout() time.Duration {
	return d.preferences().ExecutionTimeout
}

func (d *Dispatcher) isCancelled(id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.cancelled[id]
	return ok
}

func (d *Dispatcher) forgetCancel(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cancelled, id)
}

// finish retires an invocation id once its outcome is settled, dropping any
// cancellation marker along with it.
func (d *Dispatcher) finish(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, id)
	delete(d.cancelled, id)
}
