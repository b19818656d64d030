package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls fan-out buffering.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher forwards persisted entries to a sink off the request path.
// A nil Dispatcher is valid and drops everything.
//
// Dropped entries are still in the chain store. The dispatcher remembers the
// lowest dropped sequence per user so a sink consumer can backfill from it.
type Dispatcher struct {
	cfg       Config
	sink      Sink
	ch        chan Entry
	onDrop    func(Entry)
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once

	gapMu sync.Mutex
	gaps  map[string]uint64
}

// NewDispatcher starts the delivery goroutine. It returns nil when cfg is
// disabled. onDrop, if set, runs for every entry dropped on a full buffer.
func NewDispatcher(cfg Config, sink Sink, onDrop func(Entry)) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		ch:     make(chan Entry, cfg.BufferSize),
		done:   make(chan struct{}),
		onDrop: onDrop,
		gaps:   make(map[string]uint64),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case entry := <-d.ch:
			d.sink.Emit(context.Background(), entry)
		case <-d.done:
			for {
				select {
				case entry := <-d.ch:
					d.sink.Emit(context.Background(), entry)
				default:
					return
				}
			}
		}
	}
}

// Emit queues entry. With DropIfFull a full buffer drops the entry;
// otherwise Emit blocks until there is room or ctx ends.
func (d *Dispatcher) Emit(ctx context.Context, entry Entry) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- entry:
		case <-d.done:
		default:
			d.drop(entry)
		}
		return
	}

	select {
	case d.ch <- entry:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close drains queued entries into the sink and stops delivery.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) drop(entry Entry) {
	d.dropped.Add(1)

	d.gapMu.Lock()
	if first, ok := d.gaps[entry.UserID]; !ok || entry.SequenceNumber < first {
		d.gaps[entry.UserID] = entry.SequenceNumber
	}
	d.gapMu.Unlock()

	if d.onDrop != nil {
		d.onDrop(entry)
	}
}

// Gaps returns, per user, the lowest sequence number the sink never received.
func (d *Dispatcher) Gaps() map[string]uint64 {
	if d == nil {
		return nil
	}
	d.gapMu.Lock()
	defer d.gapMu.Unlock()
	out := make(map[string]uint64, len(d.gaps))
	for user, seq := range d.gaps {
		out[user] = seq
	}
	return out
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
