package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/streamhub-io/streamhub-go/streamhub"
)

// Receiver pulls batches for one partition. streamhub.Link satisfies
// it on the receiver side.
type Receiver interface {
	Receive(ctx context.Context, max int) ([]streamhub.Message, error)
}

// Handler is the user processing code driven by a pump.
type Handler interface {
	Open(ctx context.Context, partitionID string) error
	Close(ctx context.Context, reason error) error
	ProcessEvents(ctx context.Context, events []streamhub.Message) error
	ProcessError(ctx context.Context, err error) error
}

// RuntimeInfo is the receiver-side progress populated when runtime
// metrics are enabled.
type RuntimeInfo struct {
	LastSequenceNumber uint64
	LastOffset         string
	RetrievedAt        time.Time
}

// Pump is one partition's receive loop. It captures a Config snapshot
// at construction and dispatches each batch to the handler through a
// single-worker pool, so batch order is preserved and handler panics
// stay contained.
type Pump struct {
	hostID      string
	partitionID string
	conf        Config

	recv Receiver
	h    Handler

	workers *ants.Pool

	closed atomic.Bool
	done   chan struct{}

	mu   sync.Mutex
	info RuntimeInfo

	l *slog.Logger
}

// New validates conf and snapshots it into a pump for one partition.
func New(hostID, partitionID string, conf Config, recv Receiver, h Handler, opts ...PumpOption) (*Pump, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if recv == nil {
		return nil, errors.New("pump: nil receiver")
	}
	if h == nil {
		return nil, errors.New("pump: nil handler")
	}

	p := &Pump{
		hostID:      hostID,
		partitionID: partitionID,
		conf:        conf,
		recv:        recv,
		h:           h,
		done:        make(chan struct{}),
		l:           slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.l = p.l.With("host_id", hostID, "partition_id", partitionID)

	workers, err := ants.NewPool(1,
		ants.WithPreAlloc(true),
		ants.WithPanicHandler(func(rec any) {
			p.conf.NotifyException(p.hostID,
				fmt.Errorf("handler panic: %v", rec),
				"process events", p.partitionID)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	p.workers = workers

	return p, nil
}

type PumpOption func(p *Pump)

func WithLogger(l *slog.Logger) PumpOption {
	return func(p *Pump) {
		p.l = l
	}
}

// InitialOffset resolves the partition's starting position through the
// configured provider.
func (p *Pump) InitialOffset() Offset {
	return p.conf.InitialOffsetProvider(p.partitionID)
}

// RuntimeInfo returns the latest receiver progress. Zero unless
// runtime metrics are enabled.
func (p *Pump) RuntimeInfo() RuntimeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Run drives the receive loop until ctx ends, Stop is called, or the
// receiver fails. The handler's Close always runs, with the error that
// stopped the loop as the reason.
func (p *Pump) Run(ctx context.Context) error {
	defer close(p.done)
	defer p.workers.Release()

	if err := p.h.Open(ctx, p.partitionID); err != nil {
		return fmt.Errorf("handler open: %w", err)
	}

	var reason error

loop:
	for {
		if p.closed.Load() || ctx.Err() != nil {
			break
		}

		rctx, cancel := context.WithTimeout(ctx, p.conf.ReceiveTimeout)
		events, err := p.recv.Receive(rctx, p.conf.MaxBatchSize)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded):
			// Receive timeout: an empty invocation only when asked for.
			events = nil
			if !p.conf.InvokeOnEmptyBatch {
				continue
			}
		case errors.Is(err, context.Canceled):
			break loop
		default:
			reason = err
			p.dispatch(func() {
				if herr := p.h.ProcessError(ctx, err); herr != nil {
					p.l.Error("process error", "err", herr)
				}
			})
			break loop
		}

		if len(events) == 0 && !p.conf.InvokeOnEmptyBatch {
			continue
		}

		if p.conf.RuntimeMetricsEnabled && len(events) > 0 {
			last := events[len(events)-1]
			p.mu.Lock()
			p.info = RuntimeInfo{
				LastSequenceNumber: last.SequenceNumber,
				LastOffset:         last.Offset,
				RetrievedAt:        time.Now(),
			}
			p.mu.Unlock()
		}

		batch := events
		p.dispatch(func() {
			if herr := p.h.ProcessEvents(ctx, batch); herr != nil {
				if perr := p.h.ProcessError(ctx, herr); perr != nil {
					p.l.Error("process error", "err", perr)
				}
			}
		})
	}

	cctx, cancel := context.WithTimeout(context.Background(), p.conf.ReceiveTimeout)
	defer cancel()
	if err := p.h.Close(cctx, reason); err != nil {
		p.l.Error("handler close", "err", err)
	}

	return reason
}

// dispatch runs job on the worker and waits for it, keeping batch
// order while containing handler panics. Submission failures have no
// partition worker to blame and go to the exception sink unattributed.
func (p *Pump) dispatch(job func()) {
	done := make(chan struct{})
	err := p.workers.Submit(func() {
		defer close(done)
		job()
	})
	if err != nil {
		p.conf.NotifyException(p.hostID, fmt.Errorf("submit batch: %w", err),
			"dispatch events", NoAssociatedPartition)
		return
	}
	<-done
}

// Stop asks the loop to wind down; Done is closed once it has.
func (p *Pump) Stop() {
	p.closed.Store(true)
}

func (p *Pump) Done() <-chan struct{} {
	return p.done
}
