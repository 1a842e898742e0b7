package sip

import (
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/util"
)

// OutgoingRequestDelegate receives the responses to an outgoing request.
// Nil callbacks are skipped.
type OutgoingRequestDelegate struct {
	// OnAccept is called on each 2xx response.
	OnAccept func(res *IncomingResponseMessage)
	// OnProgress is called on each 101-199 response.
	OnProgress func(res *IncomingResponseMessage)
	// OnRedirect is called on a 3xx response.
	OnRedirect func(res *IncomingResponseMessage)
	// OnReject is called on a 4xx-6xx response, including the synthesized 408 on timeout
	// and 503 on transport failure.
	OnReject func(res *IncomingResponseMessage)
	// OnTrying is called on a 100 response.
	OnTrying func(res *IncomingResponseMessage)
}

func (d *OutgoingRequestDelegate) dispatch(res *IncomingResponseMessage) {
	if d == nil {
		return
	}
	var fn func(*IncomingResponseMessage)
	switch {
	case res.StatusCode == StatusTrying:
		fn = d.OnTrying
	case IsProvisional(res.StatusCode):
		fn = d.OnProgress
	case IsSuccessful(res.StatusCode):
		fn = d.OnAccept
	case res.StatusCode < 400:
		fn = d.OnRedirect
	default:
		fn = d.OnReject
	}
	if fn != nil {
		fn(res)
	}
}

// userAgentClient is the part of every UAC that owns the client transaction:
// it registers the transaction in the core, runs the authentication guard
// and turns timeouts and transport failures into synthesized responses.
type userAgentClient struct {
	core     *UserAgentCore
	req      *OutgoingRequestMessage
	tx       ClientTransaction
	delegate *OutgoingRequestDelegate
	// dialog is set for requests sent within a dialog, the CSeq of a retried request comes from it.
	dialog *Dialog
	log    *slog.Logger

	// recv handles every response that passed the authentication guard.
	recv func(res *IncomingResponseMessage)
	// stateChanged observes the state changes of the current transaction.
	stateChanged func(state TransactionState)

	challenged bool
	stale      bool
	disposed   bool
}

func newUserAgentClient(core *UserAgentCore, req *OutgoingRequestMessage, delegate *OutgoingRequestDelegate) *userAgentClient {
	uac := &userAgentClient{
		core:     core,
		req:      req,
		delegate: delegate,
		log:      core.log,
	}
	uac.recv = uac.receiveResponse
	return uac
}

// Request returns the request sent by the user agent.
// It changes when the request is retried with credentials.
func (uac *userAgentClient) Request() *OutgoingRequestMessage { return uac.req }

// Transaction returns the current client transaction.
func (uac *userAgentClient) Transaction() ClientTransaction { return uac.tx }

// Delegate returns the delegate the responses are passed to.
func (uac *userAgentClient) Delegate() *OutgoingRequestDelegate { return uac.delegate }

func (uac *userAgentClient) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("method", uac.req.Method),
		slog.String("call_id", uac.req.CallID),
		slog.Any("cseq", uac.req.CSeq),
	)
}

// init creates a new client transaction for the request and registers it.
func (uac *userAgentClient) init() error {
	user := &clientTxUser{uac: uac}

	var (
		tx  ClientTransaction
		err error
	)
	if uac.req.Method == MethodInvite {
		tx, err = NewInviteClientTransaction(uac.req, uac.core.tp, user, uac.core.txOpts())
	} else {
		tx, err = NewNonInviteClientTransaction(uac.req, uac.core.tp, user, uac.core.txOpts())
	}
	if err != nil {
		return errtrace.Wrap(err)
	}

	user.key = ClientTransactionKey{Branch: tx.ID(), Method: uac.req.Method}
	uac.tx = tx
	uac.core.clients.put(user.key, tx)
	uac.core.metrics.transactionStarted(tx.Type())
	uac.core.metrics.requestSent(uac.req.Method)
	return nil
}

// Dispose stops the current transaction and removes it from the core.
func (uac *userAgentClient) Dispose() {
	if uac.disposed {
		return
	}
	uac.disposed = true
	if uac.tx != nil {
		uac.tx.Dispose()
		if uac.core.clients.delete(ClientTransactionKey{Branch: uac.tx.ID(), Method: uac.req.Method}) {
			uac.core.metrics.transactionFinished(uac.tx.Type())
		}
	}
}

func (uac *userAgentClient) receiveResponse(res *IncomingResponseMessage) {
	uac.delegate.dispatch(res)
}

// authenticationGuard retries the request with credentials when it is challenged (RFC 3261 22.2).
// Every request is retried at most once per challenge, a stale nonce earns one more attempt.
// It reports whether the response should be passed on.
func (uac *userAgentClient) authenticationGuard(res *IncomingResponseMessage) bool {
	var chalHdr, credHdr string
	switch res.StatusCode {
	case StatusUnauthorized:
		chalHdr, credHdr = "WWW-Authenticate", "Authorization"
	case StatusProxyAuthRequired:
		chalHdr, credHdr = "Proxy-Authenticate", "Proxy-Authorization"
	default:
		return true
	}

	auth := uac.core.cfg.Authenticator
	if auth == nil {
		return true
	}
	challenge := res.Header(chalHdr)
	if challenge == "" {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "challenge without "+chalHdr, slog.Any("response", res))
		return true
	}
	stale := strings.Contains(util.LCase(challenge), "stale=true")
	if uac.challenged && (!stale || uac.stale) {
		return true
	}

	cred, err := auth.Authenticate(uac.req, challenge)
	if err != nil {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "failed to answer challenge", slog.Any("response", res), slog.Any("error", err))
		return true
	}
	uac.challenged = true
	uac.stale = stale

	// The challenged transaction still owns the previous request and builds its ACK from it.
	uac.req = uac.req.Clone()
	uac.req.SetHeader(credHdr, cred)
	if uac.dialog != nil {
		uac.req.CSeq = uac.dialog.incrementLocalSequenceNumber()
	} else {
		uac.req.CSeq++
	}

	uac.log.LogAttrs(uac.core.ctx, slog.LevelDebug, "retry request with credentials", slog.Any("user_agent", uac))

	if err := uac.init(); err != nil {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "failed to retry request", slog.Any("user_agent", uac), slog.Any("error", err))
		return true
	}
	return false
}

// clientTxUser connects one client transaction to its user agent.
// A retried request runs a new transaction, the previous one unregisters itself by its own key.
type clientTxUser struct {
	uac *userAgentClient
	key ClientTransactionKey
}

func (u *clientTxUser) current() bool { return u.uac.tx != nil && u.uac.tx.ID() == u.key.Branch }

func (u *clientTxUser) OnStateChange(state TransactionState) {
	if state == TransactionStateTerminated {
		if u.uac.core.clients.delete(u.key) {
			typ := TransactionTypeClientNonInvite
			if u.key.Method == MethodInvite {
				typ = TransactionTypeClientInvite
			}
			u.uac.core.metrics.transactionFinished(typ)
		}
	}
	if u.current() && u.uac.stateChanged != nil {
		u.uac.stateChanged(state)
	}
}

func (u *clientTxUser) OnTransportError(err error) {
	if !u.current() {
		return
	}
	u.uac.log.LogAttrs(u.uac.core.ctx, slog.LevelWarn, "request failed", slog.Any("user_agent", u.uac), slog.Any("error", err))
	u.uac.core.metrics.transportError()
	u.uac.recv(synthesizeResponse(u.uac.req, StatusServiceUnavailable))
}

func (u *clientTxUser) OnRequestTimeout() {
	if !u.current() {
		return
	}
	u.uac.log.LogAttrs(u.uac.core.ctx, slog.LevelWarn, "request timed out", slog.Any("user_agent", u.uac))
	u.uac.core.metrics.transactionTimeout()
	u.uac.recv(synthesizeResponse(u.uac.req, StatusRequestTimeout))
}

func (u *clientTxUser) ReceiveResponse(res *IncomingResponseMessage) {
	if !u.current() {
		return
	}
	u.uac.core.metrics.responseReceived(res.StatusCode)
	if !u.uac.authenticationGuard(res) {
		return
	}
	u.uac.recv(res)
}

// synthesizeResponse builds a local final response standing in for one that never arrived.
func synthesizeResponse(req *OutgoingRequestMessage, code int) *IncomingResponseMessage {
	hdrs := Headers{
		{Name: "Via", Value: req.Via().String()},
		{Name: "From", Value: req.From.String()},
		{Name: "To", Value: req.To.String()},
		{Name: "Call-ID", Value: req.CallID},
		{Name: "CSeq", Value: strconv.FormatUint(uint64(req.CSeq), 10) + " " + req.Method},
	}
	res, err := NewIncomingResponseMessage(code, ReasonPhrase(code), hdrs, nil)
	if err != nil {
		panic(err)
	}
	return res
}
