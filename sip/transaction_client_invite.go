package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/util"
)

// InviteClientTransaction represents an INVITE client transaction (RFC 3261 17.1.1, RFC 6026).
//
//	                      |INVITE from TU
//	    Timer A fires     |INVITE sent
//	    Reset A,          V                      Timer B fires
//	    INVITE sent +-----------+                or Transport Err.
//	      +---------|           |---------------+inform TU
//	      |         |  Calling  |               |
//	      +-------->|           |-------------->|
//	                +-----------+ 2xx           |
//	                   |  |       2xx to TU     |
//	                   |  |1xx                  |
//	   300-699 +-------+  |1xx to TU            |
//	  ACK sent |          V                     |
//	resp. to TU|   +-----------+                |
//	           |   |Proceeding |                |
//	           |   +-----------+                |
//	           |     |       | 2xx              |
//	           |     |300-699| 2xx to TU        |
//	           V     V       V                  |
//	    +-----------+     +-----------+         |
//	    | Completed |     | Accepted  |         |
//	    +-----------+     +-----------+         |
//	 Timer D |               | Timer M          |
//	         V               V                  |
//	    +--------------------------+            |
//	    |        Terminated        |<-----------+
//	    +--------------------------+
//
// Unlike RFC 6026, the transaction keeps the ACKs of 2xx responses sent by the transaction user
// and answers retransmissions of a 2xx with the same To tag by resending the cached ACK.
type InviteClientTransaction struct {
	*clientTransact

	// ackCache maps the To tag of every accepted 2xx to the ACK sent for it.
	// Nil value means the 2xx was passed to the user and is not acknowledged yet.
	ackCache map[string]*OutgoingRequestMessage
	failAck  *OutgoingRequestMessage
	timeA    time.Duration
}

// NewInviteClientTransaction creates a new INVITE client transaction, sends the request and starts timers A and B.
// Options are optional and can be nil, in which case default options will be used.
func NewInviteClientTransaction(
	req *OutgoingRequestMessage,
	tp Transport,
	user ClientTransactionUser,
	opts *TransactionOptions,
) (*InviteClientTransaction, error) {
	if req != nil && req.Method != MethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	clnTx, err := newClientTransact(TransactionTypeClientInvite, req, tp, user, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &InviteClientTransaction{
		clientTransact: clnTx,
		ackCache:       make(map[string]*OutgoingRequestMessage),
	}

	tx.initFSM()
	tx.actCalling(tx.ctx)
	return tx, nil
}

const (
	txEvtTimerA = "timer_A"
	txEvtTimerB = "timer_B"
	txEvtTimerD = "timer_D"
	txEvtTimerM = "timer_M"
)

func (tx *InviteClientTransaction) initFSM() {
	tx.clientTransact.initFSM(TransactionStateCalling)

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actResendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actRecv2xx).
		InternalTransition(txEvtRecv2xx, tx.actRecv2xx).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv300699).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr)
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	tx.actSendReq(ctx) //nolint:errcheck

	if !tx.reliable() {
		tx.timeA = tx.timings.TimeA()
		tx.startTimer(ctx, "A", tx.timeA, txEvtTimerA, TransactionStateCalling)
	}
	tx.startTimer(ctx, "B", tx.timings.TimeB(), txEvtTimerB, TransactionStateCalling)
}

func (tx *InviteClientTransaction) actResendReq(ctx context.Context, args ...any) error {
	tx.actSendReq(ctx, args...) //nolint:errcheck

	tx.timeA *= 2
	tx.startTimer(ctx, "A", tx.timeA, txEvtTimerA, TransactionStateCalling)
	return nil
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "A", "B")
	return nil
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "A", "B")
	tx.startTimer(ctx, "M", tx.timings.TimeM(), txEvtTimerM, TransactionStateAccepted)
	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "A", "B")

	var timeD time.Duration
	if !tx.reliable() {
		timeD = tx.timings.TimeD()
	}
	tx.startTimer(ctx, "D", timeD, txEvtTimerD, TransactionStateCompleted)
	return nil
}

// actRecv2xx passes the first 2xx of every To tag to the user.
// Retransmissions are answered with the cached ACK once the user has sent one.
func (tx *InviteClientTransaction) actRecv2xx(ctx context.Context, args ...any) error {
	res := args[0].(*IncomingResponseMessage) //nolint:forcetypeassert

	ack, seen := tx.ackCache[res.ToTag]
	if !seen {
		tx.ackCache[res.ToTag] = nil
		return tx.actPassRes(ctx, args...) //errtrace:skip
	}
	if ack != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "resend ACK", slog.Any("transaction", tx), slog.Any("request", ack))
		tx.send(ctx, ack.String())
	}
	return nil
}

// actPassResSendAck builds the ACK before the response reaches the user,
// which may retry the request with the same message.
func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.buildFailAck(args[0].(*IncomingResponseMessage)) //nolint:forcetypeassert
	tx.actPassRes(ctx, args...)                         //nolint:errcheck
	tx.actSendAck(ctx, args...)                         //nolint:errcheck
	return nil
}

// buildFailAck builds the ACK of a non-2xx final response.
// The ACK shares the branch and CSeq number of the INVITE (RFC 3261 17.1.1.3).
func (tx *InviteClientTransaction) buildFailAck(res *IncomingResponseMessage) {
	if tx.failAck != nil {
		return
	}
	ack := tx.req.Clone()
	ack.Method = MethodAck
	ack.To = ack.To.WithTag(res.ToTag)
	ack.ExtraHeaders = nil
	ack.Body = nil
	ack.OptionTags = nil
	ack.MaxForwards = DefaultMaxForwards
	tx.failAck = ack
}

// actSendAck sends the ACK of a non-2xx final response.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, args ...any) error {
	tx.buildFailAck(args[0].(*IncomingResponseMessage)) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send ACK", slog.Any("transaction", tx), slog.Any("request", tx.failAck))

	tx.send(ctx, tx.failAck.String())
	return nil
}

// AckResponse sends the ACK of a 2xx response and caches it for retransmissions of that 2xx.
// The ACK is a separate transaction and gets a fresh branch.
func (tx *InviteClientTransaction) AckResponse(ack *OutgoingRequestMessage) error {
	toTag := ack.ToTag()
	if toTag == "" {
		return errtrace.Wrap(NewInvalidArgumentError("ACK without To tag"))
	}

	ack.SetViaHeader(util.NewBranch(), tx.tp.Protocol())
	tx.ackCache[toTag] = ack

	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, "send ACK", slog.Any("transaction", tx), slog.Any("request", ack))

	tx.send(tx.ctx, ack.String())
	return nil
}
