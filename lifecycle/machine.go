package lifecycle

import (
	"context"
	"log/slog"

	"github.com/streamhub-io/streamhub-go/reactor"
)

// Machine tracks one endpoint's lifecycle state and its operations
// still waiting on the transport. All mutators are reactor-only: they
// check the affinity guard first and return without touching state
// when called off the loop. Other goroutines observe state through
// StateSnapshot.
type Machine struct {
	r *reactor.Reactor
	l *slog.Logger

	state    State
	pending  []pendingOp
	closeErr error

	onClosing func(error)
	onClosed  func()
}

type pendingOp struct {
	run  func()
	fail func(error)
}

func NewMachine(r *reactor.Reactor, opts ...MachineOption) *Machine {
	m := &Machine{
		r: r,
		l: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type MachineOption func(m *Machine)

func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) {
		m.l = l
	}
}

// OnClosing runs when the machine enters Closing. err is the transport
// failure driving the teardown, nil on a requested close.
func OnClosing(hook func(err error)) MachineOption {
	return func(m *Machine) {
		m.onClosing = hook
	}
}

// OnClosed runs when the machine reaches Closed. The owner releases
// its transport handle here.
func OnClosed(hook func()) MachineOption {
	return func(m *Machine) {
		m.onClosed = hook
	}
}

// State returns the current state. Reactor-only; callers elsewhere use
// StateSnapshot.
func (m *Machine) State() (State, error) {
	if err := m.r.AssertOnLoop(); err != nil {
		return StateUninit, err
	}
	return m.state, nil
}

// StateSnapshot marshals onto the reactor and reports the state as of
// that turn.
func (m *Machine) StateSnapshot(ctx context.Context) (State, error) {
	return reactor.Call(ctx, m.r, func() (State, error) {
		return m.state, nil
	})
}

// Err returns the transport error that drove the machine into Closing,
// if any. Reactor-only.
func (m *Machine) Err() (error, error) {
	if err := m.r.AssertOnLoop(); err != nil {
		return nil, err
	}
	return m.closeErr, nil
}

// RequestOpen starts establishment: Uninit becomes Opening and the
// establish side effect (typically enqueueing the open frame) runs.
// Rejected once the machine has left Uninit.
func (m *Machine) RequestOpen(establish func()) error {
	if err := m.r.AssertOnLoop(); err != nil {
		return err
	}

	switch m.state {
	case StateUninit:
		m.transition(StateOpening)
		if establish != nil {
			establish()
		}
		return nil
	case StateOpening, StateOpened:
		return ErrAlreadyOpen
	default:
		return ErrEndpointClosed
	}
}

// OnTransportReady is the transport's confirmation callback: Opening
// becomes Opened and deferred operations flush in FIFO order. In any
// other state it reports an InvalidTransitionError and leaves state
// unchanged.
func (m *Machine) OnTransportReady() error {
	if err := m.r.AssertOnLoop(); err != nil {
		return err
	}

	if m.state != StateOpening {
		return &InvalidTransitionError{From: m.state, Event: "transport ready"}
	}

	m.transition(StateOpened)

	pending := m.pending
	m.pending = nil
	for _, op := range pending {
		op.run()
	}
	return nil
}

// RequestClose starts teardown from any state. Opening or Opened move
// to Closing, failing deferred operations and running the teardown
// side effect; Closing and Closed are a no-op, so a second close never
// traverses the machine again.
func (m *Machine) RequestClose(teardown func()) error {
	if err := m.r.AssertOnLoop(); err != nil {
		return err
	}

	switch m.state {
	case StateUninit:
		// Nothing established; close degenerates to the terminal state.
		m.transition(StateClosed)
		if m.onClosed != nil {
			m.onClosed()
		}
		return nil
	case StateOpening, StateOpened:
		m.toClosing(nil)
		if teardown != nil {
			teardown()
		}
		return nil
	default:
		return nil
	}
}

// TransportError reports a transport failure while Opening or Opened:
// the machine moves to Closing and every deferred operation fails with
// err. Already Closing or Closed: no-op.
func (m *Machine) TransportError(err error) error {
	if aerr := m.r.AssertOnLoop(); aerr != nil {
		return aerr
	}

	switch m.state {
	case StateOpening, StateOpened:
		m.toClosing(err)
		return nil
	default:
		return nil
	}
}

// OnTransportClosed acknowledges teardown: Closing becomes Closed. An
// unexpected close while Opening or Opened first synthesizes the
// Closing pass within the same turn, so pending-operation failure side
// effects run on every path to Closed.
func (m *Machine) OnTransportClosed() error {
	if err := m.r.AssertOnLoop(); err != nil {
		return err
	}

	switch m.state {
	case StateOpening, StateOpened:
		m.toClosing(ErrConnectionLost)
	case StateClosing:
	case StateClosed:
		return nil
	default:
		return &InvalidTransitionError{From: m.state, Event: "transport closed"}
	}

	m.transition(StateClosed)
	if m.onClosed != nil {
		m.onClosed()
	}
	return nil
}

// AddPending schedules op against the machine's state: run now when
// Opened, deferred until Opened when still Opening, rejected with the
// close error once teardown has begun.
func (m *Machine) AddPending(run func(), fail func(error)) error {
	if err := m.r.AssertOnLoop(); err != nil {
		return err
	}

	switch m.state {
	case StateOpened:
		run()
		return nil
	case StateOpening:
		m.pending = append(m.pending, pendingOp{run: run, fail: fail})
		return nil
	default:
		err := m.closeErr
		if err == nil {
			err = ErrEndpointClosed
		}
		return err
	}
}

func (m *Machine) toClosing(err error) {
	m.closeErr = err
	m.transition(StateClosing)

	failWith := err
	if failWith == nil {
		failWith = ErrEndpointClosed
	}

	pending := m.pending
	m.pending = nil
	for _, op := range pending {
		if op.fail != nil {
			op.fail(failWith)
		}
	}

	if m.onClosing != nil {
		m.onClosing(err)
	}
}

func (m *Machine) transition(to State) {
	if !canTransition(m.state, to) {
		// Transition targets are fixed at the call sites above; a miss
		// here is a bug in this package.
		m.l.Error("illegal transition", "from", m.state, "to", to)
		return
	}
	m.l.Debug("transition", "from", m.state, "to", to)
	m.state = to
}
