package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// InviteServerTransaction represents an INVITE server transaction (RFC 3261 17.2.1, RFC 6026).
//
//	                           |INVITE
//	                           |pass INV to TU
//	        INVITE             V send 100 Trying
//	        send response+-----------+
//	            +--------|           |--------+ 101-199 from TU
//	            |        |           |        | send response
//	            +------->|           |<-------+
//	                     | Proceeding|
//	                     |           |--------+ Transport Err.
//	                     |           |        | Inform TU
//	                     |           |<-------+
//	                     +-----------+
//	        300-699 from TU |     |2xx from TU
//	        send response   |     |send response
//	         +--------------+     +------------+
//	         |                                 |
//	INVITE   V          Timer G fires          |
//	send +-----------+  send response          |
//	resp |           |--------+                |
//	+----|           |        |                |
//	|    | Completed |<-------+      INVITE    |  2xx from TU
//	+--->|           |               send 2xx  |  send response
//	     |           |              +--------->+<-------+
//	     +-----------+              |  +-------+-----+  |
//	        |  | Timer H fires      +--|  Accepted  |---+
//	        |  | inform TU             +------------+
//	        |  |                            |  ^  ACK
//	     ACK|  +--------+                   |  +--------+
//	        V           |          Timer L  |
//	     +-----------+  |          fires    |
//	     | Confirmed |  |                   |
//	     +-----------+  |                   |
//	           | Timer I|                   |
//	           V        V                   |
//	     +-------------------------+        |
//	     |        Terminated       |<-------+
//	     +-------------------------+
//
// The transaction retransmits a non-100 provisional response every [TimeProgress]
// while the TU has not sent a final response.
type InviteServerTransaction struct {
	*serverTransact

	timeG time.Duration
}

// NewInviteServerTransaction creates a new INVITE server transaction and sends 100 Trying.
// Options are optional and can be nil, in which case default options will be used.
func NewInviteServerTransaction(
	req *IncomingRequestMessage,
	tp Transport,
	user ServerTransactionUser,
	opts *TransactionOptions,
) (*InviteServerTransaction, error) {
	if req != nil && req.Method != MethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	srvTx, err := newServerTransact(TransactionTypeServerInvite, req, tp, user, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &InviteServerTransaction{serverTransact: srvTx}

	tx.initFSM()
	tx.actProceeding(tx.ctx)
	return tx, nil
}

const (
	txEvtTimerG        = "timer_G"
	txEvtTimerH        = "timer_H"
	txEvtTimerI        = "timer_I"
	txEvtTimerL        = "timer_L"
	txEvtTimerProgress = "timer_1xx"
)

func (tx *InviteServerTransaction) initFSM() {
	tx.serverTransact.initFSM(TransactionStateProceeding)

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendProvRes).
		InternalTransition(txEvtTimerProgress, tx.actResendProvRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTimerProgress).
		Permit(txEvtTimerL, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actResendFinalRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtTimerProgress).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTimerG).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerI, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTranspErr)
}

func (tx *InviteServerTransaction) actProceeding(ctx context.Context) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	tx.actSendRes(ctx, ConstructOutgoingResponse(tx.req, ResponseOptions{StatusCode: StatusTrying})) //nolint:errcheck
}

func (tx *InviteServerTransaction) actSendProvRes(ctx context.Context, args ...any) error {
	tx.actSendRes(ctx, args...) //nolint:errcheck

	if res := args[0].(*OutgoingResponse); res.StatusCode > StatusTrying { //nolint:forcetypeassert
		tx.startTimer(ctx, txTmrProgressExt, tx.timings.TimeProgress(), txEvtTimerProgress, TransactionStateProceeding)
	}
	return nil
}

func (tx *InviteServerTransaction) actResendProvRes(ctx context.Context, args ...any) error {
	tx.actResendRes(ctx, args...) //nolint:errcheck
	tx.startTimer(ctx, txTmrProgressExt, tx.timings.TimeProgress(), txEvtTimerProgress, TransactionStateProceeding)
	return nil
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, txTmrProgressExt)
	tx.startTimer(ctx, "L", tx.timings.TimeL(), txEvtTimerL, TransactionStateAccepted)
	return nil
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, txTmrProgressExt)
	if !tx.reliable() {
		tx.timeG = tx.timings.TimeG()
		tx.startTimer(ctx, "G", tx.timeG, txEvtTimerG, TransactionStateCompleted)
	}
	tx.startTimer(ctx, "H", tx.timings.TimeH(), txEvtTimerH, TransactionStateCompleted)
	return nil
}

func (tx *InviteServerTransaction) actResendFinalRes(ctx context.Context, args ...any) error {
	tx.actResendRes(ctx, args...) //nolint:errcheck

	tx.timeG = min(2*tx.timeG, tx.timings.T2())
	tx.startTimer(ctx, "G", tx.timeG, txEvtTimerG, TransactionStateCompleted)
	return nil
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "G", "H")

	var timeI time.Duration
	if !tx.reliable() {
		timeI = tx.timings.TimeI()
	}
	tx.startTimer(ctx, "I", timeI, txEvtTimerI, TransactionStateConfirmed)
	return nil
}

func (tx *InviteServerTransaction) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx))

	tx.user.OnTransactionTimeout()
	return nil
}
