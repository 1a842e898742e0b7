package sip

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/log"
)

// TransactionState represents the state of a SIP transaction.
type TransactionState string

const (
	TransactionStateTrying     TransactionState = "Trying"
	TransactionStateCalling    TransactionState = "Calling"
	TransactionStateProceeding TransactionState = "Proceeding"
	TransactionStateCompleted  TransactionState = "Completed"
	TransactionStateAccepted   TransactionState = "Accepted"
	TransactionStateConfirmed  TransactionState = "Confirmed"
	TransactionStateTerminated TransactionState = "Terminated"
)

// TransactionType represents the kind of a SIP transaction.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// Scheduler is the timer service used by transactions and dialogs.
type Scheduler = timeutil.Scheduler

// Transaction represents a SIP transaction.
type Transaction interface {
	// ID returns the transaction identifier, the Via branch of the request.
	ID() string
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Transport returns the transport the transaction sends through.
	Transport() Transport
	// Dispose cancels all timers of the transaction without a state transition.
	// It is idempotent.
	Dispose()
}

// TransactionUser receives notifications from a transaction.
// It is the only channel through which a transaction communicates upward.
type TransactionUser interface {
	// OnStateChange is called once per state transition, never for the initial state.
	OnStateChange(state TransactionState)
	// OnTransportError is called when the transport failed to send a message of the transaction.
	OnTransportError(err error)
}

// TransactionOptions contains options for a transaction.
type TransactionOptions struct {
	// Timings is the SIP timing config that will be used with the transaction.
	// If nil, the default SIP timing config will be used.
	Timings *TimingConfig
	// Scheduler schedules transaction timers. It is required.
	// Its callbacks must run on the thread of control that calls into the transaction,
	// [UserAgentCore] posts them to its [Executor].
	Scheduler Scheduler
	// Log is the logger that will be used with the transaction.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *TransactionOptions) timings() *TimingConfig {
	if o == nil {
		return nil
	}
	return o.Timings
}

func (o *TransactionOptions) scheduler() Scheduler {
	if o == nil {
		return nil
	}
	return o.Scheduler
}

func (o *TransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Transaction events.
const (
	txEvtRecv1xx     = "recv_1xx"
	txEvtRecv2xx     = "recv_2xx"
	txEvtRecv300699  = "recv_300-699"
	txEvtRecvReq     = "recv_req"
	txEvtRecvAck     = "recv_ack"
	txEvtSend1xx     = "send_1xx"
	txEvtSend2xx     = "send_2xx"
	txEvtSend300699  = "send_300-699"
	txEvtTranspErr   = "transp_err"
	txTmrTranspErr   = "transport_error"
	txTmrProgressExt = "1xx"
)

// transact is the core shared by all transaction kinds: identity, transport handle,
// timer bag and the state machine the kind configures.
type transact struct {
	id      string
	typ     TransactionType
	tp      Transport
	timings *TimingConfig
	log     *slog.Logger
	tmrs    *timeutil.Bag
	fsm     *stateless.StateMachine
	user    TransactionUser
	ctx     context.Context //nolint:containedctx

	disposed bool
}

func newTransact(typ TransactionType, id string, tp Transport, user TransactionUser, opts *TransactionOptions) *transact {
	return &transact{
		id:      id,
		typ:     typ,
		tp:      tp,
		timings: opts.timings(),
		log:     opts.log(),
		tmrs:    timeutil.NewBag(opts.scheduler()),
		user:    user,
		ctx:     context.Background(),
	}
}

func (tx *transact) ID() string { return tx.id }

func (tx *transact) Type() TransactionType { return tx.typ }

func (tx *transact) Transport() Transport { return tx.tp }

func (tx *transact) State() TransactionState {
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

func (tx *transact) reliable() bool { return IsReliableTransport(tx.tp.Protocol()) }

func (tx *transact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", tx.id),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

func (tx *transact) initFSM(start TransactionState) {
	tx.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
	tx.fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		if t.Source == t.Destination {
			return
		}
		state := t.Destination.(TransactionState) //nolint:forcetypeassert
		tx.log.LogAttrs(ctx, slog.LevelDebug,
			"transaction state changed",
			slog.Any("transaction", tx),
			slog.Any("from", t.Source),
			slog.Any("trigger", t.Trigger),
		)
		tx.user.OnStateChange(state)
	})
}

// Dispose cancels every pending timer of the transaction.
// Timer callbacks that are already queued become no-ops.
func (tx *transact) Dispose() {
	if tx.disposed {
		return
	}
	tx.disposed = true
	for _, name := range tx.tmrs.StopAll() {
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx))
	}
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "transaction disposed", slog.Any("transaction", tx))
}

// send hands the message to the transport.
// A failure is reported through the transp_err event on a later tick of the scheduler.
func (tx *transact) send(ctx context.Context, msg string) {
	if tx.disposed {
		return
	}
	err := tx.tp.Send(msg)
	if err == nil {
		return
	}

	err = NewTransportError(err)
	tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to send message", slog.Any("transaction", tx), slog.Any("error", err))
	tx.tmrs.Start(txTmrTranspErr, 0, func() {
		if tx.disposed {
			return
		}
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, err); err != nil {
			tx.log.LogAttrs(ctx, slog.LevelWarn, "transport error not handled", slog.Any("transaction", tx), slog.Any("error", err))
		}
	})
}

// startTimer schedules a named timer that fires evt when it expires in one of the states.
func (tx *transact) startTimer(ctx context.Context, name string, d time.Duration, evt string, states ...TransactionState) {
	tx.tmrs.Start(name, d, func() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" expired", slog.Any("transaction", tx))

		if tx.disposed || !slices.Contains(states, tx.State()) {
			return
		}
		if err := tx.fsm.FireCtx(ctx, evt); err != nil {
			tx.log.LogAttrs(ctx, slog.LevelWarn,
				"timer "+name+" not handled",
				slog.Any("transaction", tx),
				slog.Any("error", errtrace.Wrap(err)),
			)
		}
	})

	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+name+" started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", tx.tmrs.Now().Add(d)),
	)
}

func (tx *transact) stopTimer(ctx context.Context, names ...string) {
	for _, name := range names {
		if tx.tmrs.Stop(name) {
			tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx))
		}
	}
}

func (tx *transact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))

	for _, name := range tx.tmrs.StopAll() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx))
	}
	return nil
}

func (tx *transact) actTranspErr(ctx context.Context, args ...any) error {
	err, _ := args[0].(error)
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction transport error", slog.Any("transaction", tx), slog.Any("error", err))

	tx.user.OnTransportError(err)
	return nil
}

func (*transact) actNoop(context.Context, ...any) error { return nil }
