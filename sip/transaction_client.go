package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/util"
)

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// Request returns the request that created the transaction.
	Request() *OutgoingRequestMessage
	// ReceiveResponse is called on each inbound response matched to the transaction.
	ReceiveResponse(res *IncomingResponseMessage)
}

// ClientTransactionUser receives notifications from a client transaction.
type ClientTransactionUser interface {
	TransactionUser
	// ReceiveResponse is called for each response passed up by the transaction.
	ReceiveResponse(res *IncomingResponseMessage)
	// OnRequestTimeout is called when the transaction gave up waiting for a final response.
	OnRequestTimeout()
}

// ClientTransactionKey identifies a client transaction among live ones.
// CANCEL reuses the branch of the INVITE it cancels, so the method is part of the key.
type ClientTransactionKey struct {
	Branch string
	Method string
}

// ClientTransactionKeyOf derives the key of the client transaction a response belongs to
// from its top Via branch and CSeq method.
func ClientTransactionKeyOf(res *IncomingResponseMessage) ClientTransactionKey {
	return ClientTransactionKey{Branch: res.ViaBranch, Method: res.CSeqMethod}
}

type clientTransact struct {
	*transact
	req  *OutgoingRequestMessage
	user ClientTransactionUser
}

func newClientTransact(
	typ TransactionType,
	req *OutgoingRequestMessage,
	tp Transport,
	user ClientTransactionUser,
	opts *TransactionOptions,
) (*clientTransact, error) {
	if req == nil || tp == nil || user == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("request, transport and user are required"))
	}
	if opts.scheduler() == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("scheduler is required"))
	}

	branch := req.Branch
	if req.Method == MethodCancel {
		if branch == "" {
			return nil, errtrace.Wrap(NewInvalidArgumentError("outgoing CANCEL request without a branch"))
		}
	} else {
		branch = util.NewBranch()
	}
	req.SetViaHeader(branch, tp.Protocol())

	return &clientTransact{
		transact: newTransact(typ, branch, tp, user, opts),
		req:      req,
		user:     user,
	}, nil
}

// Request returns the request that created the transaction.
func (tx *clientTransact) Request() *OutgoingRequestMessage { return tx.req }

// Key returns the registry key of the transaction.
func (tx *clientTransact) Key() ClientTransactionKey {
	return ClientTransactionKey{Branch: tx.id, Method: tx.req.Method}
}

func (tx *clientTransact) initFSM(start TransactionState) {
	tx.transact.initFSM(start)

	resType := reflect.TypeOf((*IncomingResponseMessage)(nil))
	tx.fsm.SetTriggerParameters(txEvtRecv1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtRecv300699, resType)
}

// ReceiveResponse is called on each inbound response matched to the transaction.
func (tx *clientTransact) ReceiveResponse(res *IncomingResponseMessage) {
	if tx.disposed {
		return
	}

	var evt string
	switch {
	case IsProvisional(res.StatusCode):
		evt = txEvtRecv1xx
	case IsSuccessful(res.StatusCode):
		evt = txEvtRecv2xx
	default:
		evt = txEvtRecv300699
	}
	if err := tx.fsm.FireCtx(tx.ctx, evt, res); err != nil {
		tx.log.LogAttrs(tx.ctx, slog.LevelWarn,
			"response discarded",
			slog.Any("transaction", tx),
			slog.Any("response", res),
			slog.Any("error", err),
		)
	}
}

func (tx *clientTransact) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx), slog.Any("request", tx.req))

	tx.send(ctx, tx.req.String())
	return nil
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*IncomingResponseMessage) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response", slog.Any("transaction", tx), slog.Any("response", res))

	tx.user.ReceiveResponse(res)
	return nil
}

func (tx *clientTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx))

	tx.user.OnRequestTimeout()
	return nil
}
