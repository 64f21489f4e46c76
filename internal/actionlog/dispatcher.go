package actionlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/internal/metrics"
)

var ErrQueueFull = errors.New("action log queue full")

// ErrorSink receives every failed or dropped write.
type ErrorSink func(roomID string, a domain.Action, err error)

type DispatcherConfig struct {
	Workers      int
	QueueSize    int // per worker
	WriteTimeout time.Duration
	OnError      ErrorSink
}

type job struct {
	roomID string
	action domain.Action
}

// Dispatcher fans writes out to a fixed set of workers. A room always maps to
// the same worker, so writes for one room reach the Appender in the order
// they were recorded.
type Dispatcher struct {
	dst    Appender
	cfg    DispatcherConfig
	shards []chan job
	wg     *conc.WaitGroup

	mu     sync.RWMutex
	closed bool

	// queued but not yet written, per room, in record order
	pmu     sync.Mutex
	pending map[string][]domain.Action
}

func NewDispatcher(dst Appender, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	d := &Dispatcher{
		dst:    dst,
		cfg:    cfg,
		shards:  make([]chan job, cfg.Workers),
		wg:      conc.NewWaitGroup(),
		pending: make(map[string][]domain.Action),
	}
	for i := range d.shards {
		ch := make(chan job, cfg.QueueSize)
		d.shards[i] = ch
		d.wg.Go(func() { d.worker(ch) })
	}
	return d
}

func (d *Dispatcher) shard(roomID string) chan job {
	return d.shards[xxhash.Sum64String(roomID)%uint64(len(d.shards))]
}

// Record schedules a write and returns immediately. A full queue or a closed
// dispatcher drops the action and reports it to the error sink.
func (d *Dispatcher) Record(roomID string, a domain.Action) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.fail(roomID, a, errors.New("action log closed"), "dropped")
		return
	}
	// в pending до отправки в очередь: воркер может записать раньше, чем мы вернёмся
	d.markPending(roomID, a)
	select {
	case d.shard(roomID) <- job{roomID: roomID, action: a}:
	default:
		d.clearPending(roomID, a.ID)
		d.fail(roomID, a, ErrQueueFull, "dropped")
	}
}

func (d *Dispatcher) markPending(roomID string, a domain.Action) {
	d.pmu.Lock()
	d.pending[roomID] = append(d.pending[roomID], a)
	d.pmu.Unlock()
}

func (d *Dispatcher) clearPending(roomID, actionID string) {
	d.pmu.Lock()
	defer d.pmu.Unlock()

	q := d.pending[roomID]
	for i, a := range q {
		if a.ID == actionID {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(d.pending, roomID)
		return
	}
	d.pending[roomID] = q
}

// PendingActions returns the room's recorded actions that have not reached
// the Appender yet, in record order.
func (d *Dispatcher) PendingActions(roomID string) []domain.Action {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	return append([]domain.Action(nil), d.pending[roomID]...)
}

func (d *Dispatcher) worker(ch <-chan job) {
	for j := range ch {
		d.write(j)
	}
}

func (d *Dispatcher) write(j job) {
	start := time.Now()
	var err error
	if r := panics.Try(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		defer cancel()
		err = d.dst.AppendAction(ctx, j.roomID, j.action)
	}); r != nil {
		err = r.AsError()
	}
	d.clearPending(j.roomID, j.action.ID)
	metrics.ActionLogLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		d.fail(j.roomID, j.action, domain.Persistence("AppendAction", err), "error")
		return
	}
	metrics.ActionLogWrites.WithLabelValues("ok").Inc()
}

func (d *Dispatcher) fail(roomID string, a domain.Action, err error, outcome string) {
	metrics.ActionLogWrites.WithLabelValues(outcome).Inc()
	slog.Error("actionlog.write:",
		slog.String("room_id", roomID),
		slog.String("action_id", a.ID),
		slog.String("outcome", outcome),
		slog.Any("err", err),
	)
	if d.cfg.OnError != nil {
		d.cfg.OnError(roomID, a, err)
	}
}

// Close stops accepting writes and waits until queued ones are flushed or
// ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := d.wg.WaitAndRecover(); r != nil {
			slog.Error("actionlog.worker panic:", slog.Any("err", r.AsError()))
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain action log: %w", ctx.Err())
	}
}
