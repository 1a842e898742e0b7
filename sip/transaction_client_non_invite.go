package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// NonInviteClientTransaction represents a non-INVITE client transaction (RFC 3261 17.1.2).
//
//	                    |Request from TU
//	                    |send request
//	Timer E             V
//	send request  +-----------+
//	    +---------|           |-------------------+
//	    |         |  Trying   |  Timer F          |
//	    +-------->|           |  or Transport Err.|
//	              +-----------+  inform TU        |
//	 200-699         |  |                         |
//	 resp. to TU     |  |1xx                      |
//	 +---------------+  |resp. to TU              |
//	 |                  |                         |
//	 |   Timer E        V       Timer F           |
//	 |   send req +-----------+ or Transport Err. |
//	 |  +---------|           | inform TU         |
//	 |  |         |Proceeding |------------------>|
//	 |  +-------->|           |-----+             |
//	 |            +-----------+     |1xx          |
//	 |              |      ^        |resp to TU   |
//	 | 200-699      |      +--------+             |
//	 | resp. to TU  |                             |
//	 |              |                             |
//	 |   Timer K    V                             |
//	 |       +-----------+                        |
//	 +------>| Completed |                        |
//	         +-----------+                        |
//	              | Timer K                       |
//	              V                               |
//	        +-----------+                         |
//	        | Terminated|<------------------------+
//	        +-----------+
type NonInviteClientTransaction struct {
	*clientTransact

	timeE time.Duration
}

// NewNonInviteClientTransaction creates a new non-INVITE client transaction, sends the request
// and starts timers E and F.
// Options are optional and can be nil, in which case default options will be used.
func NewNonInviteClientTransaction(
	req *OutgoingRequestMessage,
	tp Transport,
	user ClientTransactionUser,
	opts *TransactionOptions,
) (*NonInviteClientTransaction, error) {
	if req != nil && (req.Method == MethodInvite || req.Method == MethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, req, tp, user, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &NonInviteClientTransaction{clientTransact: clnTx}

	tx.initFSM()
	tx.actTrying(tx.ctx)
	return tx, nil
}

const (
	txEvtTimerE = "timer_E"
	txEvtTimerF = "timer_F"
	txEvtTimerK = "timer_K"
)

func (tx *NonInviteClientTransaction) initFSM() {
	tx.clientTransact.initFSM(TransactionStateTrying)

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actResendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actResendReq).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTimerE).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr)
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	tx.actSendReq(ctx) //nolint:errcheck

	if !tx.reliable() {
		tx.timeE = tx.timings.TimeE()
		tx.startTimer(ctx, "E", tx.timeE, txEvtTimerE, TransactionStateTrying, TransactionStateProceeding)
	}
	tx.startTimer(ctx, "F", tx.timings.TimeF(), txEvtTimerF, TransactionStateTrying, TransactionStateProceeding)
}

// actResendReq retransmits the request. The interval doubles up to T2 in Trying
// and stays at T2 in Proceeding.
func (tx *NonInviteClientTransaction) actResendReq(ctx context.Context, args ...any) error {
	tx.actSendReq(ctx, args...) //nolint:errcheck

	if tx.State() == TransactionStateProceeding {
		tx.timeE = tx.timings.T2()
	} else {
		tx.timeE = min(2*tx.timeE, tx.timings.T2())
	}
	tx.startTimer(ctx, "E", tx.timeE, txEvtTimerE, TransactionStateTrying, TransactionStateProceeding)
	return nil
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "E", "F")

	var timeK time.Duration
	if !tx.reliable() {
		timeK = tx.timings.TimeK()
	}
	tx.startTimer(ctx, "K", timeK, txEvtTimerK, TransactionStateCompleted)
	return nil
}
