package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/pharma-ledger/ledger"
)

const (
	DefaultQueueSize   = 256
	DefaultWorkers     = 2
	DefaultSendTimeout = 10 * time.Second
)

// Dispatcher is a ledger.Notifier that renders and sends messages on a
// worker pool. Notify never blocks: when the queue is full the movement is
// dropped and counted.
type Dispatcher struct {
	senders      []Sender
	stakeholders []string
	directory    Directory
	lookup       SupplierLookup
	reorderQty   int64
	sendTimeout  time.Duration
	clock        ledger.Clock
	logger       *slog.Logger

	queue   chan ledger.Movement
	workers int
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	sent    atomic.Int64
	failed  atomic.Int64
}

type Option func(*Dispatcher)

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan ledger.Movement, n)
		}
	}
}

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithStakeholders sets the recipients of movement alerts.
func WithStakeholders(to []string) Option {
	return func(d *Dispatcher) { d.stakeholders = to }
}

// WithSuppliers enables reorder notices. lookup resolves the item's
// supplier, directory turns it into an address.
func WithSuppliers(lookup SupplierLookup, directory Directory) Option {
	return func(d *Dispatcher) {
		d.lookup = lookup
		d.directory = directory
	}
}

func WithReorderQuantity(n int64) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.reorderQty = n
		}
	}
}

func WithSendTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.sendTimeout = t }
}

func WithClock(c ledger.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher starts the workers. Call Close to drain and stop them.
func NewDispatcher(senders []Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		senders:     senders,
		reorderQty:  DefaultReorderQuantity,
		sendTimeout: DefaultSendTimeout,
		clock:       ledger.SystemClock,
		logger:      slog.Default(),
		queue:       make(chan ledger.Movement, DefaultQueueSize),
		workers:     DefaultWorkers,
	}
	for _, opt := range opts {
		opt(d)
	}

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Notify implements ledger.Notifier.
func (d *Dispatcher) Notify(_ context.Context, m ledger.Movement) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- m:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping movement",
			"partition", m.PartitionKey, "entry_id", m.EntryID)
	}
}

// Close stops accepting movements and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

// Stats are cumulative counters.
type Stats struct {
	Sent    int64
	Failed  int64
	Dropped int64
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Failed: d.failed.Load(), Dropped: d.dropped.Load()}
}

func (d *Dispatcher) workerLoop(id int) {
	defer d.wg.Done()
	for m := range d.queue {
		for _, msg := range d.render(m) {
			d.deliver(id, msg)
		}
	}
}

func (d *Dispatcher) render(m ledger.Movement) []Message {
	now := d.clock.Now()
	msgs := []Message{MovementMessage(m, d.stakeholders, now)}

	if d.lookup == nil || !NeedsReorder(m) {
		return msgs
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	supplier, err := d.lookup(ctx, m.Item.Ref)
	if err != nil {
		d.logger.Error("failed to resolve supplier", "item", m.Item.Ref, "error", err)
		return msgs
	}
	return append(msgs, ReorderMessage(m, supplier, d.directory.AddressOf(supplier), d.reorderQty, now))
}

func (d *Dispatcher) deliver(worker int, msg Message) {
	for _, s := range d.senders {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		err := s.Send(ctx, msg)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.logger.Error("notification failed",
				"worker", worker, "sender", s.Name(), "kind", msg.Kind, "id", msg.ID, "error", err)
			continue
		}
		d.sent.Add(1)
	}
}
