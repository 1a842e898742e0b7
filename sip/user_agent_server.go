package sip

import (
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/util"
)

// IncomingRequestDelegate receives notifications about an incoming request.
// Nil callbacks are skipped.
type IncomingRequestDelegate struct {
	// OnCancel is called when an INVITE is cancelled before a final response was sent.
	OnCancel func(cancel *IncomingRequestMessage)
	// OnTransportError is called when a response could not be sent.
	OnTransportError func(err error)
}

// userAgentServer is the part of every UAS that owns the server transaction
// and builds responses with the local To tag.
type userAgentServer struct {
	core  *UserAgentCore
	req   *IncomingRequestMessage
	tx    ServerTransaction
	toTag string
	log   *slog.Logger

	// Delegate may be set by the application when it takes the request.
	Delegate *IncomingRequestDelegate

	stateChanged func(state TransactionState)
	// cancel is set by INVITE servers and receives the matched CANCEL.
	cancel   func(cancel *IncomingRequestMessage)
	disposed bool
}

func newUserAgentServer(core *UserAgentCore, req *IncomingRequestMessage) (*userAgentServer, error) {
	uas := &userAgentServer{
		core:  core,
		req:   req,
		toTag: req.ToTag,
		log:   core.log,
	}
	if uas.toTag == "" {
		uas.toTag = util.NewTag()
	}

	var (
		tx  ServerTransaction
		err error
	)
	if req.Method == MethodInvite {
		tx, err = NewInviteServerTransaction(req, core.tp, uas, core.txOpts())
	} else {
		tx, err = NewNonInviteServerTransaction(req, core.tp, uas, core.txOpts())
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	uas.tx = tx
	core.servers.put(tx.ID(), uas)
	core.metrics.transactionStarted(tx.Type())
	return uas, nil
}

// Request returns the request received by the user agent.
func (uas *userAgentServer) Request() *IncomingRequestMessage { return uas.req }

// Transaction returns the server transaction.
func (uas *userAgentServer) Transaction() ServerTransaction { return uas.tx }

// ToTag returns the local tag used in responses.
func (uas *userAgentServer) ToTag() string { return uas.toTag }

func (uas *userAgentServer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("method", uas.req.Method),
		slog.String("call_id", uas.req.CallID),
		slog.Any("cseq", uas.req.CSeq),
		slog.String("branch", uas.req.ViaBranch),
	)
}

// Accept responds with a 2xx (200 by default).
func (uas *userAgentServer) Accept(opts *ResponseOptions) (*OutgoingResponse, error) {
	return errtrace.Wrap2(uas.respondIn(opts, StatusOK, 200, 299))
}

// Progress responds with a 101-199 (180 by default).
func (uas *userAgentServer) Progress(opts *ResponseOptions) (*OutgoingResponse, error) {
	return errtrace.Wrap2(uas.respondIn(opts, StatusRinging, 101, 199))
}

// Redirect responds with a 3xx (302 by default) listing the contacts.
func (uas *userAgentServer) Redirect(contacts []URI, opts *ResponseOptions) (*OutgoingResponse, error) {
	var o ResponseOptions
	if opts != nil {
		o = *opts
	}
	o.ExtraHeaders = o.ExtraHeaders.Clone()
	for _, c := range contacts {
		o.ExtraHeaders.Add("Contact", NameAddr{URI: c}.String())
	}
	return errtrace.Wrap2(uas.respondIn(&o, StatusMovedTemporarily, 300, 399))
}

// Reject responds with a 4xx-6xx (480 by default).
func (uas *userAgentServer) Reject(opts *ResponseOptions) (*OutgoingResponse, error) {
	return errtrace.Wrap2(uas.respondIn(opts, StatusTemporarilyUnavailable, 400, 699))
}

// Trying responds with 100.
func (uas *userAgentServer) Trying(opts *ResponseOptions) (*OutgoingResponse, error) {
	return errtrace.Wrap2(uas.respondIn(opts, StatusTrying, 100, 100))
}

func (uas *userAgentServer) respondIn(opts *ResponseOptions, def, from, to int) (*OutgoingResponse, error) {
	var o ResponseOptions
	if opts != nil {
		o = *opts
	}
	if o.StatusCode == 0 {
		o.StatusCode = def
	}
	if o.StatusCode < from || o.StatusCode > to {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid status code %d", o.StatusCode))
	}
	return errtrace.Wrap2(uas.respond(o))
}

func (uas *userAgentServer) respond(opts ResponseOptions) (*OutgoingResponse, error) {
	res := uas.makeResponse(opts)
	if err := uas.tx.Respond(res); err != nil {
		return nil, errtrace.Wrap(err)
	}
	uas.core.metrics.responseSent(res.StatusCode)
	return res, nil
}

func (uas *userAgentServer) makeResponse(opts ResponseOptions) *OutgoingResponse {
	opts.ToTag = uas.toTag
	if opts.UserAgent == "" {
		opts.UserAgent = uas.core.cfg.UserAgent
	}
	if opts.SupportedOptionTags == nil {
		opts.SupportedOptionTags = uas.core.cfg.SupportedOptionTags
	}
	return ConstructOutgoingResponse(uas.req, opts)
}

// Dispose stops the transaction and removes it from the core.
func (uas *userAgentServer) Dispose() {
	if uas.disposed {
		return
	}
	uas.disposed = true
	uas.tx.Dispose()
	if uas.core.servers.delete(uas.tx.ID()) {
		uas.core.metrics.transactionFinished(uas.tx.Type())
	}
}

func (uas *userAgentServer) OnStateChange(state TransactionState) {
	if state == TransactionStateTerminated {
		if uas.core.servers.delete(uas.tx.ID()) {
			uas.core.metrics.transactionFinished(uas.tx.Type())
		}
	}
	if uas.stateChanged != nil {
		uas.stateChanged(state)
	}
}

func (uas *userAgentServer) OnTransportError(err error) {
	uas.log.LogAttrs(uas.core.ctx, slog.LevelWarn, "response failed", slog.Any("user_agent", uas), slog.Any("error", err))
	uas.core.metrics.transportError()
	if uas.Delegate != nil && uas.Delegate.OnTransportError != nil {
		uas.Delegate.OnTransportError(err)
	}
}

func (uas *userAgentServer) OnTransactionTimeout() {
	uas.log.LogAttrs(uas.core.ctx, slog.LevelWarn, "ACK not received", slog.Any("user_agent", uas))
	uas.core.metrics.transactionTimeout()
}
