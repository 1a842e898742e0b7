package sip

import (
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/util"
)

// InviteUserAgentClientDelegate receives the responses to an INVITE or re-INVITE.
// Nil callbacks are skipped.
type InviteUserAgentClientDelegate struct {
	// OnAccept is called on the first 2xx of every dialog. The callee must ACK it with
	// [InviteResponse.Ack]; if the callback is nil, the 2xx is acknowledged automatically.
	OnAccept func(res *InviteResponse)
	// OnProgress is called on each 101-199 response that created or belongs to an early dialog.
	// If the callback is nil, reliable provisional responses are acknowledged automatically.
	OnProgress func(res *InviteResponse)
	OnRedirect func(res *IncomingResponseMessage)
	// OnReject is called on a 4xx-6xx response, including the synthesized 408 and 503.
	OnReject func(res *IncomingResponseMessage)
	OnTrying func(res *IncomingResponseMessage)
}

// InviteResponse is a response to an INVITE together with the session it belongs to.
type InviteResponse struct {
	*IncomingResponseMessage
	Session *SessionDialog
}

// Ack acknowledges the 2xx. See [SessionDialog.Ack].
func (r *InviteResponse) Ack(opts *RequestOptions) (*OutgoingRequestMessage, error) {
	return errtrace.Wrap2(r.Session.Ack(opts))
}

// Prack acknowledges a reliable provisional response (RFC 3262).
func (r *InviteResponse) Prack(delegate *OutgoingRequestDelegate, opts *RequestOptions) (*PrackUserAgentClient, error) {
	if !r.hasOptionTag("Require", "100rel") {
		return nil, errtrace.Wrap(NewInvalidArgumentError("response is not reliable"))
	}
	return errtrace.Wrap2(r.Session.prack(r.IncomingResponseMessage, delegate, opts))
}

// InviteUserAgentClient sends an INVITE and creates a session for every dialog its responses establish.
// Forked responses create separate early dialogs, each 2xx confirms its own session.
type InviteUserAgentClient struct {
	*userAgentClient

	inviteDelegate *InviteUserAgentClientDelegate
	earlyDialogs   map[string]*SessionDialog
	// cancel holds the options of a CANCEL requested before any provisional response.
	cancel    *RequestOptions
	cancelled bool
}

func newInviteUserAgentClient(core *UserAgentCore, req *OutgoingRequestMessage, delegate *InviteUserAgentClientDelegate) (*InviteUserAgentClient, error) {
	uac := &InviteUserAgentClient{
		userAgentClient: newUserAgentClient(core, req, nil),
		inviteDelegate:  delegate,
		earlyDialogs:    make(map[string]*SessionDialog),
	}
	if uac.inviteDelegate == nil {
		uac.inviteDelegate = &InviteUserAgentClientDelegate{}
	}
	uac.recv = uac.receiveInviteResponse
	uac.stateChanged = uac.onStateChange
	if err := uac.init(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return uac, nil
}

func (uac *InviteUserAgentClient) inviteTx() *InviteClientTransaction {
	tx, _ := uac.tx.(*InviteClientTransaction)
	return tx
}

// Dispose stops the transaction and disposes the early dialogs. Confirmed sessions are left intact.
func (uac *InviteUserAgentClient) Dispose() {
	uac.disposeEarlyDialogs()
	uac.userAgentClient.Dispose()
}

func (uac *InviteUserAgentClient) disposeEarlyDialogs() {
	for tag, s := range uac.earlyDialogs {
		delete(uac.earlyDialogs, tag)
		s.Dispose()
	}
}

func (uac *InviteUserAgentClient) onStateChange(state TransactionState) {
	switch state {
	case TransactionStateProceeding:
		if uac.cancel != nil {
			opts := uac.cancel
			uac.cancel = nil
			uac.sendCancel(opts)
		}
	case TransactionStateTerminated:
		uac.cancel = nil
		uac.disposeEarlyDialogs()
	}
}

// Cancel cancels the INVITE (RFC 3261 9.1). If no provisional response has arrived yet,
// the CANCEL is sent once one does.
func (uac *InviteUserAgentClient) Cancel(opts *RequestOptions) error {
	if uac.disposed {
		return errtrace.Wrap(NewTransactionStateError("cancel", TransactionStateTerminated))
	}
	if uac.cancelled {
		return nil
	}

	switch state := uac.tx.State(); state {
	case TransactionStateCalling:
		if opts == nil {
			opts = &RequestOptions{}
		}
		uac.cancel = opts
		uac.cancelled = true
		return nil
	case TransactionStateProceeding:
		uac.cancelled = true
		uac.sendCancel(opts)
		return nil
	default:
		return errtrace.Wrap(NewTransactionStateError("cancel", state))
	}
}

func (uac *InviteUserAgentClient) sendCancel(opts *RequestOptions) {
	cancel := uac.req.Clone()
	cancel.Method = MethodCancel
	cancel.ExtraHeaders = nil
	cancel.Body = nil
	cancel.OptionTags = nil
	if opts != nil {
		cancel.ExtraHeaders = opts.ExtraHeaders.Clone()
	}

	cancelUAC := newUserAgentClient(uac.core, cancel, nil)
	if err := cancelUAC.init(); err != nil {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "failed to send CANCEL", slog.Any("user_agent", uac), slog.Any("error", err))
	}
}

func (uac *InviteUserAgentClient) receiveInviteResponse(res *IncomingResponseMessage) {
	dlg := uac.inviteDelegate

	switch {
	case res.StatusCode == StatusTrying:
		if dlg.OnTrying != nil {
			dlg.OnTrying(res)
		}
	case IsProvisional(res.StatusCode):
		uac.receiveProvisional(res)
	case IsSuccessful(res.StatusCode):
		uac.receiveSuccess(res)
	case res.StatusCode < 400:
		uac.disposeEarlyDialogs()
		if dlg.OnRedirect != nil {
			dlg.OnRedirect(res)
		}
	default:
		uac.disposeEarlyDialogs()
		if dlg.OnReject != nil {
			dlg.OnReject(res)
		}
	}
}

func (uac *InviteUserAgentClient) earlyDialog(res *IncomingResponseMessage) *SessionDialog {
	if s, ok := uac.earlyDialogs[res.ToTag]; ok {
		return s
	}
	state, err := initialDialogStateForUserAgentClient(uac.req, res)
	if err != nil {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "provisional response discarded", slog.Any("response", res), slog.Any("error", err))
		return nil
	}
	if uac.core.dialogs.has(state.ID) {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "provisional response for a known dialog discarded", slog.Any("response", res))
		return nil
	}
	s := newSessionDialog(uac.core, state)
	s.signalingStateTransition(uac.req.Body, false)
	uac.earlyDialogs[res.ToTag] = s
	return s
}

func (uac *InviteUserAgentClient) receiveProvisional(res *IncomingResponseMessage) {
	s := uac.earlyDialog(res)
	if s == nil {
		return
	}
	dlg := uac.inviteDelegate

	if !res.hasOptionTag("Require", "100rel") {
		if dlg.OnProgress != nil {
			dlg.OnProgress(&InviteResponse{res, s})
		}
		return
	}

	// RFC 3262 4
	rseq, err := strconv.ParseUint(strings.TrimSpace(res.Header("RSeq")), 10, 32)
	if err != nil {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "reliable provisional response without valid RSeq", slog.Any("response", res))
		return
	}
	if s.rseq != 0 && uint32(rseq) != s.rseq+1 {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelDebug,
			"retransmitted or out of order reliable provisional response discarded",
			slog.Any("response", res),
			slog.Any("rseq", s.rseq),
		)
		return
	}
	s.rseq = uint32(rseq)
	s.signalingStateTransition(res.Body(), true)

	ir := &InviteResponse{res, s}
	if dlg.OnProgress != nil {
		dlg.OnProgress(ir)
		return
	}
	if s.signalingState == SignalingStateHaveRemoteOffer {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "offer in reliable provisional response left unanswered", slog.Any("response", res))
		return
	}
	if _, err := ir.Prack(nil, nil); err != nil {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "failed to send PRACK", slog.Any("response", res), slog.Any("error", err))
	}
}

func (uac *InviteUserAgentClient) receiveSuccess(res *IncomingResponseMessage) {
	s, ok := uac.earlyDialogs[res.ToTag]
	if ok {
		delete(uac.earlyDialogs, res.ToTag)
		s.confirm()
		s.recomputeRouteSet(res)
		s.refreshTarget(res)
	} else {
		state, err := initialDialogStateForUserAgentClient(uac.req, res)
		if err != nil {
			uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "2xx response discarded", slog.Any("response", res), slog.Any("error", err))
			return
		}
		if uac.core.dialogs.has(state.ID) {
			uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "retransmitted 2xx response absorbed", slog.Any("response", res))
			return
		}
		s = newSessionDialog(uac.core, state)
		s.signalingStateTransition(uac.req.Body, false)
	}

	s.signalingStateTransition(res.Body(), true)
	s.expectAck(uac.inviteTx(), uac.req.CSeq)

	if s.signalingState == SignalingStateHaveLocalOffer {
		// RFC 3261 13.2.1: the 2xx must answer the offer of the INVITE
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "2xx without answer", slog.Any("response", res))
		s.ackAndBye()
		return
	}
	if uac.cancelled {
		// the 2xx crossed the CANCEL (RFC 3261 9.1)
		s.ackAndBye()
		return
	}

	if uac.inviteDelegate.OnAccept != nil {
		uac.inviteDelegate.OnAccept(&InviteResponse{res, s})
		return
	}
	if _, err := s.Ack(nil); err != nil {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "failed to acknowledge 2xx", slog.Any("response", res), slog.Any("error", err))
		s.ackAndBye()
	}
}

// InviteUserAgentServer answers an INVITE outside of a dialog.
// It creates an early session on the first provisional response with a To tag and
// confirms it with the 2xx.
type InviteUserAgentServer struct {
	*userAgentServer

	session  *SessionDialog
	tmrs     *timeutil.Bag
	rseq     uint32
	reliable *OutgoingResponse
}

func newInviteUserAgentServer(core *UserAgentCore, req *IncomingRequestMessage) (*InviteUserAgentServer, error) {
	base, err := newUserAgentServer(core, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	uas := &InviteUserAgentServer{
		userAgentServer: base,
		tmrs:            timeutil.NewBag(core.sched),
		rseq:            rand.Uint32N(1<<31-1) + 1,
	}
	base.cancel = uas.receiveCancel
	base.stateChanged = uas.onStateChange
	return uas, nil
}

// Session returns the early or confirmed session, nil until a response with a To tag was sent.
func (uas *InviteUserAgentServer) Session() *SessionDialog { return uas.session }

// ensureSession creates the session of the INVITE.
func (uas *InviteUserAgentServer) ensureSession(early bool) (*SessionDialog, error) {
	if uas.session != nil {
		if !early {
			uas.session.confirm()
		}
		return uas.session, nil
	}
	state, err := initialDialogStateForUserAgentServer(uas.req, uas.toTag, early)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	s := newSessionDialog(uas.core, state)
	s.signalingStateTransition(uas.req.Body(), true)
	uas.session = s
	return s, nil
}

func (uas *InviteUserAgentServer) checkProceeding(op string) error {
	if state := uas.tx.State(); uas.disposed || state != TransactionStateProceeding {
		return errtrace.Wrap(NewTransactionStateError(op, state))
	}
	return nil
}

func (uas *InviteUserAgentServer) withContact(opts *ResponseOptions) ResponseOptions {
	var o ResponseOptions
	if opts != nil {
		o = *opts
	}
	o.ExtraHeaders = o.ExtraHeaders.Clone()
	if !o.ExtraHeaders.Has("Contact") {
		o.ExtraHeaders.Add("Contact", uas.core.contact().String())
	}
	return o
}

// Accept responds with a 2xx (200 by default) and confirms the session.
// If the INVITE carried an offer, the response must carry the answer,
// otherwise it must carry an offer.
func (uas *InviteUserAgentServer) Accept(opts *ResponseOptions) (*OutgoingResponse, error) {
	if err := uas.checkProceeding("accept"); err != nil {
		return nil, errtrace.Wrap(err)
	}
	o := uas.withContact(opts)
	if o.StatusCode == 0 {
		o.StatusCode = StatusOK
	}
	if !IsSuccessful(o.StatusCode) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid status code %d", o.StatusCode))
	}

	s, err := uas.ensureSession(false)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	switch s.signalingState {
	case SignalingStateHaveRemoteOffer:
		if !o.Body.IsSession() {
			return nil, errtrace.Wrap(ErrAnswerRequired)
		}
	case SignalingStateInitial:
		if !o.Body.IsSession() {
			return nil, errtrace.Wrap(NewInvalidArgumentError("2xx to INVITE without offer must carry one"))
		}
	}

	res, err := uas.respond(o)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	uas.stopReliable()
	s.signalingStateTransition(o.Body, false)
	s.startAckWait(res, uas.req.CSeq)
	return res, nil
}

// Progress responds with a 101-199 (180 by default). Responses above 100 create the early session.
func (uas *InviteUserAgentServer) Progress(opts *ResponseOptions) (*OutgoingResponse, error) {
	if err := uas.checkProceeding("progress"); err != nil {
		return nil, errtrace.Wrap(err)
	}
	o := uas.withContact(opts)
	if o.StatusCode == 0 {
		o.StatusCode = StatusRinging
	}
	if !IsProvisional(o.StatusCode) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid status code %d", o.StatusCode))
	}
	if o.StatusCode > StatusTrying {
		if _, err := uas.ensureSession(true); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return errtrace.Wrap2(uas.respond(o))
}

// ProgressReliable sends a reliable provisional response (RFC 3262), 183 by default.
// It is retransmitted until the PRACK arrives; after 64*T1 without PRACK the INVITE is rejected with 504.
// Only one reliable provisional response may be outstanding.
func (uas *InviteUserAgentServer) ProgressReliable(opts *ResponseOptions) (*OutgoingResponse, error) {
	if err := uas.checkProceeding("progress"); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !uas.req.hasOptionTag("Supported", "100rel") && !uas.req.hasOptionTag("Require", "100rel") {
		return nil, errtrace.Wrap(NewInvalidArgumentError("peer does not support reliable provisional responses"))
	}
	if uas.reliable != nil {
		return nil, errtrace.Wrap(ErrActionNotAllowed)
	}

	o := uas.withContact(opts)
	if o.StatusCode == 0 {
		o.StatusCode = StatusSessionProgress
	}
	if !IsProvisional(o.StatusCode) || o.StatusCode == StatusTrying {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid status code %d", o.StatusCode))
	}
	o.ExtraHeaders.Set("Require", "100rel")
	o.ExtraHeaders.Set("RSeq", strconv.FormatUint(uint64(uas.rseq), 10))

	s, err := uas.ensureSession(true)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	res, err := uas.respond(o)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	s.signalingStateTransition(o.Body, false)

	uas.reliable = res
	s.onPrack = uas.receivePrack

	tm := uas.core.timings()
	startRetransmit(uas.tmrs, "1xx", tm.T1(), 0, func() bool {
		if uas.reliable != res {
			return false
		}
		if err := uas.tx.Respond(res); err != nil {
			return false
		}
		return true
	})
	uas.tmrs.Start("prack_wait", 64*tm.T1(), func() {
		if uas.reliable != res {
			return
		}
		uas.log.LogAttrs(uas.core.ctx, slog.LevelWarn, "PRACK not received", slog.Any("user_agent", uas))
		uas.stopReliable()
		uas.Reject(&ResponseOptions{StatusCode: StatusServerTimeout}) //nolint:errcheck
	})
	return res, nil
}

func (uas *InviteUserAgentServer) stopReliable() {
	uas.reliable = nil
	uas.tmrs.StopAll()
	if uas.session != nil {
		uas.session.onPrack = nil
	}
}

// receivePrack matches a PRACK against the outstanding reliable provisional response (RFC 3262 3).
func (uas *InviteUserAgentServer) receivePrack(prack *PrackUserAgentServer) bool {
	if uas.reliable == nil {
		return false
	}
	rack := strings.Fields(prack.req.Header("RAck"))
	want := []string{strconv.FormatUint(uint64(uas.rseq), 10), strconv.FormatUint(uint64(uas.req.CSeq), 10), MethodInvite}
	if len(rack) != 3 || rack[0] != want[0] || rack[1] != want[1] || !util.EqFold(rack[2], want[2]) {
		prack.Reject(&ResponseOptions{StatusCode: StatusCallTransactionDoesNotExist}) //nolint:errcheck
		return true
	}

	uas.stopReliable()
	uas.rseq++
	return false
}

// Redirect responds with a 3xx (302 by default) and disposes the early session.
func (uas *InviteUserAgentServer) Redirect(contacts []URI, opts *ResponseOptions) (*OutgoingResponse, error) {
	res, err := uas.userAgentServer.Redirect(contacts, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	uas.finish()
	return res, nil
}

// Reject responds with a 4xx-6xx (480 by default) and disposes the early session.
func (uas *InviteUserAgentServer) Reject(opts *ResponseOptions) (*OutgoingResponse, error) {
	res, err := uas.userAgentServer.Reject(opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	uas.finish()
	return res, nil
}

func (uas *InviteUserAgentServer) finish() {
	uas.stopReliable()
	if uas.session != nil {
		uas.session.Dispose()
	}
}

func (uas *InviteUserAgentServer) receiveCancel(cancel *IncomingRequestMessage) {
	if uas.tx.State() != TransactionStateProceeding {
		return
	}
	if _, err := uas.Reject(&ResponseOptions{StatusCode: StatusRequestTerminated}); err != nil {
		uas.log.LogAttrs(uas.core.ctx, slog.LevelWarn, "failed to terminate cancelled request", slog.Any("user_agent", uas), slog.Any("error", err))
	}
	if uas.Delegate != nil && uas.Delegate.OnCancel != nil {
		uas.Delegate.OnCancel(cancel)
	}
}

func (uas *InviteUserAgentServer) onStateChange(state TransactionState) {
	if state != TransactionStateTerminated {
		return
	}
	uas.stopReliable()
	// the INVITE ended without a 2xx
	if uas.session != nil && uas.session.SessionState() == SessionStateEarly {
		uas.session.Dispose()
	}
}

// ReInviteUserAgentClient sends a re-INVITE within a session.
type ReInviteUserAgentClient struct {
	*userAgentClient

	session        *SessionDialog
	inviteDelegate *InviteUserAgentClientDelegate
}

func newReInviteUserAgentClient(s *SessionDialog, delegate *InviteUserAgentClientDelegate, opts *RequestOptions) (*ReInviteUserAgentClient, error) {
	req := s.createOutgoingRequestMessage(MethodInvite, 0, opts)
	uac := &ReInviteUserAgentClient{
		userAgentClient: newUserAgentClient(s.core, req, nil),
		session:         s,
		inviteDelegate:  delegate,
	}
	if uac.inviteDelegate == nil {
		uac.inviteDelegate = &InviteUserAgentClientDelegate{}
	}
	uac.dialog = s.Dialog
	uac.recv = uac.receiveReInviteResponse
	uac.stateChanged = uac.onStateChange
	if err := uac.init(); err != nil {
		return nil, errtrace.Wrap(err)
	}

	s.reinviteUAC = uac
	s.signalingStateTransition(req.Body, false)
	return uac, nil
}

// Session returns the session the re-INVITE was sent in.
func (uac *ReInviteUserAgentClient) Session() *SessionDialog { return uac.session }

func (uac *ReInviteUserAgentClient) onStateChange(state TransactionState) {
	if state == TransactionStateTerminated && uac.session.reinviteUAC == uac {
		uac.session.reinviteUAC = nil
	}
}

func (uac *ReInviteUserAgentClient) receiveReInviteResponse(res *IncomingResponseMessage) {
	s := uac.session
	dlg := uac.inviteDelegate

	switch {
	case res.StatusCode == StatusTrying:
		if dlg.OnTrying != nil {
			dlg.OnTrying(res)
		}
	case IsProvisional(res.StatusCode):
		if dlg.OnProgress != nil {
			dlg.OnProgress(&InviteResponse{res, s})
		}
	case IsSuccessful(res.StatusCode):
		if s.reinviteUAC == uac {
			s.reinviteUAC = nil
		}
		if s.disposed {
			return
		}
		s.refreshTarget(res)
		s.signalingStateTransition(res.Body(), true)
		tx, _ := uac.tx.(*InviteClientTransaction)
		s.expectAck(tx, uac.req.CSeq)

		if s.signalingState == SignalingStateHaveLocalOffer {
			uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "2xx without answer", slog.Any("response", res))
			s.ackAndBye()
			return
		}
		if dlg.OnAccept != nil {
			dlg.OnAccept(&InviteResponse{res, s})
			return
		}
		if _, err := s.Ack(nil); err != nil {
			uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "failed to acknowledge 2xx", slog.Any("response", res), slog.Any("error", err))
			s.ackAndBye()
		}
	default:
		if s.reinviteUAC == uac {
			s.reinviteUAC = nil
		}
		s.signalingStateRollback()
		if res.StatusCode < 400 {
			if dlg.OnRedirect != nil {
				dlg.OnRedirect(res)
			}
		} else if dlg.OnReject != nil {
			dlg.OnReject(res)
		}
		// RFC 3261 14.1
		s.terminateOnFailure(res)
	}
}

// ReInviteUserAgentServer answers a re-INVITE.
type ReInviteUserAgentServer struct {
	*userAgentServer

	session *SessionDialog
}

func newReInviteUserAgentServer(s *SessionDialog, req *IncomingRequestMessage) (*ReInviteUserAgentServer, error) {
	base, err := newUserAgentServer(s.core, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	uas := &ReInviteUserAgentServer{userAgentServer: base, session: s}
	base.stateChanged = uas.onStateChange
	s.reinviteUAS = uas
	s.signalingStateTransition(req.Body(), true)
	return uas, nil
}

// Session returns the session the re-INVITE was received in.
func (uas *ReInviteUserAgentServer) Session() *SessionDialog { return uas.session }

func (uas *ReInviteUserAgentServer) onStateChange(state TransactionState) {
	// a 2xx keeps the re-INVITE pending until its ACK
	if state == TransactionStateTerminated && uas.session.reinviteUAS == uas && !uas.session.ackWait {
		uas.session.reinviteUAS = nil
	}
}

// Accept responds with a 2xx (200 by default). If the re-INVITE carried an offer,
// the response must carry the answer, otherwise it must carry an offer.
func (uas *ReInviteUserAgentServer) Accept(opts *ResponseOptions) (*OutgoingResponse, error) {
	s := uas.session
	var o ResponseOptions
	if opts != nil {
		o = *opts
	}
	o.ExtraHeaders = o.ExtraHeaders.Clone()
	if !o.ExtraHeaders.Has("Contact") {
		o.ExtraHeaders.Add("Contact", uas.core.contact().String())
	}
	if o.StatusCode == 0 {
		o.StatusCode = StatusOK
	}
	if !IsSuccessful(o.StatusCode) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid status code %d", o.StatusCode))
	}
	if s.signalingState == SignalingStateHaveRemoteOffer && !o.Body.IsSession() {
		return nil, errtrace.Wrap(ErrAnswerRequired)
	}
	if s.signalingState == SignalingStateStable && !o.Body.IsSession() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("2xx to re-INVITE without offer must carry one"))
	}

	res, err := uas.respond(o)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	s.signalingStateTransition(o.Body, false)
	s.startAckWait(res, uas.req.CSeq)
	return res, nil
}

// Progress responds with a 101-199 (180 by default).
func (uas *ReInviteUserAgentServer) Progress(opts *ResponseOptions) (*OutgoingResponse, error) {
	return errtrace.Wrap2(uas.userAgentServer.Progress(opts))
}

// Redirect responds with a 3xx and rolls the offer back.
func (uas *ReInviteUserAgentServer) Redirect(contacts []URI, opts *ResponseOptions) (*OutgoingResponse, error) {
	res, err := uas.userAgentServer.Redirect(contacts, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	uas.finish()
	return res, nil
}

// Reject responds with a 4xx-6xx (480 by default) and rolls the offer back.
func (uas *ReInviteUserAgentServer) Reject(opts *ResponseOptions) (*OutgoingResponse, error) {
	res, err := uas.userAgentServer.Reject(opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	uas.finish()
	return res, nil
}

func (uas *ReInviteUserAgentServer) finish() {
	uas.session.signalingStateRollback()
	if uas.session.reinviteUAS == uas {
		uas.session.reinviteUAS = nil
	}
}
