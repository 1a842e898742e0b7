package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// NonInviteServerTransaction represents a non-INVITE server transaction (RFC 3261 17.2.2).
//
//	                      |Request received
//	                      |pass to TU
//	                      V
//	                +-----------+
//	                |           |
//	                | Trying    |-------------+
//	                |           |             |
//	                +-----------+             |200-699 from TU
//	                      |                   |send response
//	                      |1xx from TU        |
//	                      |send response      |
//	                      |                   |
//	   Request            V      1xx from TU  |
//	   send response+-----------+send response|
//	       +--------|           |--------+    |
//	       |        | Proceeding|        |    |
//	       +------->|           |<-------+    |
//	+<--------------|           |             |
//	|Trnsprt Err    +-----------+             |
//	|Inform TU            |                   |
//	|                     |                   |
//	|                     |200-699 from TU    |
//	|                     |send response      |
//	|  Request            V                   |
//	|  send response+-----------+             |
//	|      +--------|           |             |
//	|      |        | Completed |<------------+
//	|      +------->|           |
//	+<--------------|           |
//	|Trnsprt Err    +-----------+
//	|Inform TU            |
//	|                     |Timer J fires
//	|                     |-
//	|                     |
//	|                     V
//	|               +-----------+
//	+-------------->|           |
//	                | Terminated|
//	                |           |
//	                +-----------+
type NonInviteServerTransaction struct {
	*serverTransact
}

// NewNonInviteServerTransaction creates a new non-INVITE server transaction in the Trying state.
// Options are optional and can be nil, in which case default options will be used.
func NewNonInviteServerTransaction(
	req *IncomingRequestMessage,
	tp Transport,
	user ServerTransactionUser,
	opts *TransactionOptions,
) (*NonInviteServerTransaction, error) {
	if req != nil && (req.Method == MethodInvite || req.Method == MethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, req, tp, user, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &NonInviteServerTransaction{serverTransact: srvTx}
	tx.initFSM()
	return tx, nil
}

const txEvtTimerJ = "timer_J"

func (tx *NonInviteServerTransaction) initFSM() {
	tx.serverTransact.initFSM(TransactionStateTrying)

	tx.fsm.Configure(TransactionStateTrying).
		Ignore(txEvtRecvReq).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecvReq).
		Ignore(txEvtTranspErr)
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	var timeJ time.Duration
	if !tx.reliable() {
		timeJ = tx.timings.TimeJ()
	}
	tx.startTimer(ctx, "J", timeJ, txEvtTimerJ, TransactionStateCompleted)
	return nil
}
