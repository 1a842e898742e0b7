package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"
)

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Request returns the request that created the transaction.
	Request() *IncomingRequestMessage
	// ReceiveRequest is called on each retransmission of the request and on the ACK
	// matched to the transaction.
	ReceiveRequest(req *IncomingRequestMessage)
	// Respond sends a response through the transaction.
	// It fails with [TransactionStateError] if the current state does not allow the response.
	Respond(res *OutgoingResponse) error
}

// ServerTransactionUser receives notifications from a server transaction.
type ServerTransactionUser interface {
	TransactionUser
	// OnTransactionTimeout is called when an INVITE server transaction gave up
	// waiting for the ACK of a non-2xx final response.
	OnTransactionTimeout()
}

type serverTransact struct {
	*transact
	req     *IncomingRequestMessage
	user    ServerTransactionUser
	lastRes *OutgoingResponse
}

func newServerTransact(
	typ TransactionType,
	req *IncomingRequestMessage,
	tp Transport,
	user ServerTransactionUser,
	opts *TransactionOptions,
) (*serverTransact, error) {
	if req == nil || tp == nil || user == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request, transport and user are required"))
	}
	if opts.scheduler() == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("scheduler is required"))
	}
	if req.ViaBranch == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("incoming request without a branch"))
	}

	return &serverTransact{
		transact: newTransact(typ, req.ViaBranch, tp, user, opts),
		req:      req,
		user:     user,
	}, nil
}

// Request returns the request that created the transaction.
func (tx *serverTransact) Request() *IncomingRequestMessage { return tx.req }

// LastResponse returns the last response sent through the transaction.
func (tx *serverTransact) LastResponse() *OutgoingResponse { return tx.lastRes }

func (tx *serverTransact) initFSM(start TransactionState) {
	tx.transact.initFSM(start)

	reqType := reflect.TypeOf((*IncomingRequestMessage)(nil))
	tx.fsm.SetTriggerParameters(txEvtRecvReq, reqType)
	tx.fsm.SetTriggerParameters(txEvtRecvAck, reqType)

	resType := reflect.TypeOf((*OutgoingResponse)(nil))
	tx.fsm.SetTriggerParameters(txEvtSend1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend300699, resType)
}

// ReceiveRequest is called on each retransmission of the request and on the matched ACK.
func (tx *serverTransact) ReceiveRequest(req *IncomingRequestMessage) {
	if tx.disposed {
		return
	}

	evt := txEvtRecvReq
	if req.Method == MethodAck {
		evt = txEvtRecvAck
	}
	if err := tx.fsm.FireCtx(tx.ctx, evt, req); err != nil {
		tx.log.LogAttrs(tx.ctx, slog.LevelDebug,
			"request discarded",
			slog.Any("transaction", tx),
			slog.Any("request", req),
			slog.Any("error", err),
		)
	}
}

// Respond sends a response through the transaction.
func (tx *serverTransact) Respond(res *OutgoingResponse) error {
	if res == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	var evt string
	switch {
	case IsProvisional(res.StatusCode):
		evt = txEvtSend1xx
	case IsSuccessful(res.StatusCode):
		evt = txEvtSend2xx
	default:
		evt = txEvtSend300699
	}

	state := tx.State()
	if tx.disposed {
		return errtrace.Wrap(NewTransactionStateError("respond", state))
	}
	if ok, _ := tx.fsm.CanFireCtx(tx.ctx, evt, res); !ok {
		return errtrace.Wrap(NewTransactionStateError("respond", state))
	}
	if err := tx.fsm.FireCtx(tx.ctx, evt, res); err != nil {
		return errtrace.Wrap(NewTransactionStateError("respond", state))
	}
	return nil
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*OutgoingResponse) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx), slog.Any("response", res))

	tx.lastRes = res
	tx.send(ctx, res.String())
	return nil
}

func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	if tx.lastRes == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "resend response", slog.Any("transaction", tx), slog.Any("response", tx.lastRes))

	tx.send(ctx, tx.lastRes.String())
	return nil
}
