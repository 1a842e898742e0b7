package sip

import (
	"bytes"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/timeutil"
)

// SessionDescriptionHandler checks session descriptions on behalf of the session dialogs.
type SessionDescriptionHandler interface {
	// Validate checks a session body received from the peer.
	Validate(body *Body) error
	// RejectOffer builds a valid answer to the offer that declines every offered stream.
	RejectOffer(offer *Body) (*Body, error)
}

// SessionState is the state of an INVITE dialog.
type SessionState string

const (
	SessionStateInitial    SessionState = "Initial"
	SessionStateEarly      SessionState = "Early"
	SessionStateAckWait    SessionState = "AckWait"
	SessionStateConfirmed  SessionState = "Confirmed"
	SessionStateTerminated SessionState = "Terminated"
)

// SignalingState is the offer/answer state of a session (RFC 3264).
type SignalingState string

const (
	SignalingStateInitial         SignalingState = "Initial"
	SignalingStateHaveLocalOffer  SignalingState = "HaveLocalOffer"
	SignalingStateHaveRemoteOffer SignalingState = "HaveRemoteOffer"
	SignalingStateStable          SignalingState = "Stable"
	SignalingStateClosed          SignalingState = "Closed"
)

// SessionDelegate receives in-dialog requests of a session.
// Nil callbacks make the session answer with the default response of the method.
type SessionDelegate struct {
	// OnAck is called when the ACK of a 2xx sent by the session arrives.
	OnAck func(ack *IncomingRequestMessage)
	// OnAckTimeout is called when no ACK arrived within 64*T1.
	// If nil, the session sends BYE.
	OnAckTimeout func()
	OnBye        func(uas *ByeUserAgentServer)
	OnInfo       func(uas *InfoUserAgentServer)
	// OnInvite receives re-INVITEs. The session has already moved the signaling state
	// according to the offer of the request.
	OnInvite  func(uas *ReInviteUserAgentServer)
	OnMessage func(uas *MessageUserAgentServer)
	OnNotify  func(uas *NotifyUserAgentServer)
	OnPrack   func(uas *PrackUserAgentServer)
	OnRefer   func(uas *ReferUserAgentServer)
}

// SessionDialog is a dialog created by an INVITE (RFC 3261 13).
// It tracks the offer/answer exchange and the ACK of the 2xx that confirmed it.
type SessionDialog struct {
	*Dialog
	// Delegate may be set by the application once it gets the session.
	Delegate *SessionDelegate

	sessionState   SessionState
	signalingState SignalingState
	offer, answer  *Body
	// previous stable offer and answer, restored when a renegotiation fails
	rollbackOffer, rollbackAnswer *Body

	tmrs *timeutil.Bag

	// UAS: the 2xx retransmitted until its ACK arrives
	ackWait     bool
	ackWaitRes  *OutgoingResponse
	ackWaitCSeq uint32
	// UAC: the 2xx received but not acknowledged yet
	ackPending bool
	ackCSeq    uint32
	inviteTx   *InviteClientTransaction
	lastAck    *OutgoingRequestMessage

	reinviteUAC *ReInviteUserAgentClient
	reinviteUAS *ReInviteUserAgentServer

	// rseq is the RSeq of the last reliable provisional response accepted in the early dialog.
	rseq uint32
	// onPrack lets the INVITE server waiting for a PRACK take it before the delegate.
	onPrack func(uas *PrackUserAgentServer) bool
}

func newSessionDialog(core *UserAgentCore, state DialogState) *SessionDialog {
	s := &SessionDialog{
		Dialog:         newDialog(core, state),
		sessionState:   SessionStateAckWait,
		signalingState: SignalingStateInitial,
		tmrs:           timeutil.NewBag(core.sched),
	}
	if state.Early {
		s.sessionState = SessionStateEarly
	}
	core.dialogs.put(state.ID, s)
	core.metrics.dialogOpened()

	s.log.LogAttrs(core.ctx, slog.LevelDebug, "session dialog created", slog.Any("dialog", s))
	return s
}

// SessionState returns the session state.
func (s *SessionDialog) SessionState() SessionState { return s.sessionState }

// SignalingState returns the offer/answer state.
func (s *SessionDialog) SignalingState() SignalingState { return s.signalingState }

// Offer returns the current offer, nil outside of HaveLocalOffer, HaveRemoteOffer and Stable.
func (s *SessionDialog) Offer() *Body { return s.offer }

// Answer returns the current answer, defined only in Stable.
func (s *SessionDialog) Answer() *Body { return s.answer }

func (s *SessionDialog) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", s.state.ID),
		slog.Any("session", s.sessionState),
		slog.Any("signaling", s.signalingState),
	)
}

// Dispose stops the timers of the session, closes the signaling and removes the dialog
// from the core. It is idempotent.
func (s *SessionDialog) Dispose() {
	if s.disposed {
		return
	}
	s.tmrs.StopAll()
	s.ackWait = false
	s.ackPending = false
	s.onPrack = nil
	s.sessionState = SessionStateTerminated
	s.signalingState = SignalingStateClosed
	s.offer, s.answer = nil, nil
	s.rollbackOffer, s.rollbackAnswer = nil, nil

	if uac := s.reinviteUAC; uac != nil {
		s.reinviteUAC = nil
		uac.Dispose()
	}
	if uas := s.reinviteUAS; uas != nil {
		s.reinviteUAS = nil
		uas.Dispose()
	}
	s.Dialog.Dispose()
}

// confirm moves an early session to AckWait when a 2xx created the dialog.
func (s *SessionDialog) confirm() {
	s.Dialog.confirm()
	if s.sessionState == SessionStateEarly {
		s.sessionState = SessionStateAckWait
	}
}

// signalingStateTransition moves the offer/answer state on a session body
// sent (remote false) or received (remote true).
func (s *SessionDialog) signalingStateTransition(body *Body, remote bool) {
	if !body.IsSession() {
		return
	}

	from := s.signalingState
	switch s.signalingState {
	case SignalingStateInitial:
		s.offer, s.answer = body, nil
		s.signalingState = offerState(remote)
	case SignalingStateStable:
		// description repeated in a 2xx after a reliable provisional response
		if sameContent(body, s.offer) || sameContent(body, s.answer) {
			return
		}
		s.rollbackOffer, s.rollbackAnswer = s.offer, s.answer
		s.offer, s.answer = body, nil
		s.signalingState = offerState(remote)
	case SignalingStateHaveLocalOffer:
		if remote {
			s.answer = body
			s.signalingState = SignalingStateStable
		} else {
			s.offer = body
		}
	case SignalingStateHaveRemoteOffer:
		if remote {
			s.offer = body
		} else {
			s.answer = body
			s.signalingState = SignalingStateStable
		}
	case SignalingStateClosed:
		s.log.LogAttrs(s.core.ctx, slog.LevelWarn, "session body in closed signaling state ignored", slog.Any("dialog", s))
		return
	}

	if from != s.signalingState {
		s.log.LogAttrs(s.core.ctx, slog.LevelDebug,
			"signaling state changed",
			slog.Any("dialog", s),
			slog.Any("from", from),
		)
	}
}

func offerState(remote bool) SignalingState {
	if remote {
		return SignalingStateHaveRemoteOffer
	}
	return SignalingStateHaveLocalOffer
}

func sameContent(a, b *Body) bool {
	return a != nil && b != nil && a.ContentType == b.ContentType && bytes.Equal(a.Content, b.Content)
}

// signalingStateRollback returns a failed renegotiation to the last stable state.
func (s *SessionDialog) signalingStateRollback() {
	if s.signalingState != SignalingStateHaveLocalOffer && s.signalingState != SignalingStateHaveRemoteOffer {
		return
	}
	if s.rollbackOffer != nil && s.rollbackAnswer != nil {
		s.offer, s.answer = s.rollbackOffer, s.rollbackAnswer
		s.signalingState = SignalingStateStable
	} else {
		s.offer, s.answer = nil, nil
		s.signalingState = SignalingStateInitial
	}
	s.rollbackOffer, s.rollbackAnswer = nil, nil

	s.log.LogAttrs(s.core.ctx, slog.LevelDebug, "signaling state rolled back", slog.Any("dialog", s))
}

// validRemoteOffer reports whether the pending remote offer is acceptable to the session description handler.
func (s *SessionDialog) validRemoteOffer() bool {
	h := s.core.cfg.SessionDescriptionHandler
	if h == nil || s.signalingState != SignalingStateHaveRemoteOffer {
		return true
	}
	if err := h.Validate(s.offer); err != nil {
		s.log.LogAttrs(s.core.ctx, slog.LevelWarn, "unacceptable offer", slog.Any("dialog", s), slog.Any("error", err))
		return false
	}
	return true
}

func (s *SessionDialog) receiveRequest(req *IncomingRequestMessage) {
	if req.Method == MethodAck {
		s.receiveAck(req)
		return
	}
	if !s.Dialog.receiveRequest(req) {
		return
	}

	// re-INVITE glare (RFC 3261 14.2)
	if req.Method == MethodInvite {
		if s.reinviteUAS != nil {
			s.core.replyStateless(req, ResponseOptions{
				StatusCode:   StatusInternalServerError,
				ExtraHeaders: Headers{{"Retry-After", strconv.Itoa(rand.IntN(11))}},
			})
			return
		}
		if s.reinviteUAC != nil {
			s.core.replyStateless(req, ResponseOptions{StatusCode: StatusRequestPending})
			return
		}
	}

	var dlg SessionDelegate
	if s.Delegate != nil {
		dlg = *s.Delegate
	}

	switch req.Method {
	case MethodBye:
		uas, err := newByeUserAgentServer(s, req)
		if err != nil {
			s.core.rejectInvalid(req, err)
			return
		}
		if dlg.OnBye != nil {
			dlg.OnBye(uas)
		} else {
			uas.Accept(nil) //nolint:errcheck
		}
		s.Dispose()
	case MethodInfo:
		uas, err := newInfoUserAgentServer(s, req)
		if err != nil {
			s.core.rejectInvalid(req, err)
			return
		}
		if dlg.OnInfo != nil {
			dlg.OnInfo(uas)
		} else {
			// RFC 6086 4.2.2
			uas.Reject(&ResponseOptions{StatusCode: StatusBadInfoPackage, ExtraHeaders: Headers{{"Recv-Info", ""}}}) //nolint:errcheck
		}
	case MethodInvite:
		uas, err := newReInviteUserAgentServer(s, req)
		if err != nil {
			s.core.rejectInvalid(req, err)
			return
		}
		if dlg.OnInvite != nil {
			dlg.OnInvite(uas)
		} else {
			uas.Reject(&ResponseOptions{StatusCode: StatusNotAcceptableHere}) //nolint:errcheck
		}
	case MethodMessage:
		uas, err := newMessageUserAgentServer(s.core, req)
		if err != nil {
			s.core.rejectInvalid(req, err)
			return
		}
		uas.session = s
		if dlg.OnMessage != nil {
			dlg.OnMessage(uas)
		} else {
			uas.Accept(nil) //nolint:errcheck
		}
	case MethodNotify:
		uas, err := newNotifyUserAgentServer(s.core, req)
		if err != nil {
			s.core.rejectInvalid(req, err)
			return
		}
		uas.session = s
		if dlg.OnNotify != nil {
			dlg.OnNotify(uas)
		} else {
			uas.Accept(nil) //nolint:errcheck
		}
	case MethodPrack:
		uas, err := newPrackUserAgentServer(s, req)
		if err != nil {
			s.core.rejectInvalid(req, err)
			return
		}
		if s.onPrack != nil && s.onPrack(uas) {
			return
		}
		if dlg.OnPrack != nil {
			dlg.OnPrack(uas)
		} else {
			uas.Accept(nil) //nolint:errcheck
		}
	case MethodRefer:
		uas, err := newReferUserAgentServer(s.core, req)
		if err != nil {
			s.core.rejectInvalid(req, err)
			return
		}
		uas.session = s
		if dlg.OnRefer != nil {
			dlg.OnRefer(uas)
		} else {
			uas.Reject(nil) //nolint:errcheck
		}
	default:
		s.core.replyStateless(req, ResponseOptions{StatusCode: StatusNotImplemented})
	}
}

// startAckWait retransmits the 2xx until its ACK arrives (RFC 3261 13.3.1.4).
// Retransmission runs on its own timers, independent of the INVITE server transaction.
func (s *SessionDialog) startAckWait(res *OutgoingResponse, cseq uint32) {
	s.stopAckWait()
	s.ackWait = true
	s.ackWaitRes = res
	s.ackWaitCSeq = cseq

	tm := s.core.timings()
	startRetransmit(s.tmrs, "2xx", tm.T1(), tm.T2(), func() bool {
		if !s.ackWait || s.disposed {
			return false
		}
		s.log.LogAttrs(s.core.ctx, slog.LevelDebug, "resend 2xx", slog.Any("dialog", s), slog.Any("response", res))
		s.core.send(res)
		return true
	})
	s.tmrs.Start("ack_wait", 64*tm.T1(), s.onAckTimeout)
}

func (s *SessionDialog) stopAckWait() {
	s.ackWait = false
	s.ackWaitRes = nil
	s.tmrs.Stop("2xx")
	s.tmrs.Stop("ack_wait")
}

func (s *SessionDialog) onAckTimeout() {
	if !s.ackWait || s.disposed {
		return
	}
	s.log.LogAttrs(s.core.ctx, slog.LevelWarn, "ACK not received", slog.Any("dialog", s))

	s.stopAckWait()
	s.reinviteUAS = nil
	if s.sessionState == SessionStateAckWait {
		s.sessionState = SessionStateConfirmed
	}

	if s.Delegate != nil && s.Delegate.OnAckTimeout != nil {
		s.Delegate.OnAckTimeout()
		return
	}
	if _, err := s.Bye(nil, nil); err != nil {
		s.log.LogAttrs(s.core.ctx, slog.LevelWarn, "failed to send BYE", slog.Any("dialog", s), slog.Any("error", err))
	}
}

func (s *SessionDialog) receiveAck(ack *IncomingRequestMessage) {
	if !s.ackWait || ack.CSeq != s.ackWaitCSeq {
		s.log.LogAttrs(s.core.ctx, slog.LevelDebug, "unexpected ACK absorbed", slog.Any("dialog", s), slog.Any("request", ack))
		return
	}

	s.stopAckWait()
	s.reinviteUAS = nil
	if s.sessionState == SessionStateAckWait {
		s.sessionState = SessionStateConfirmed
	}

	s.signalingStateTransition(ack.Body(), true)
	if s.signalingState == SignalingStateHaveLocalOffer {
		// the 2xx carried an offer and the ACK did not answer it
		s.log.LogAttrs(s.core.ctx, slog.LevelWarn, "ACK without answer", slog.Any("dialog", s))
		s.signalingStateRollback()
		if _, err := s.Bye(nil, nil); err != nil {
			s.log.LogAttrs(s.core.ctx, slog.LevelWarn, "failed to send BYE", slog.Any("dialog", s), slog.Any("error", err))
		}
		return
	}

	if s.Delegate != nil && s.Delegate.OnAck != nil {
		s.Delegate.OnAck(ack)
	}
}

// Ack sends the ACK of the 2xx that confirmed the session.
// If the 2xx carried an offer, the ACK must carry the answer. Without one, or if the offer
// is not acceptable, a valid answer rejecting it is built by the session description handler
// and the session is ended with BYE right after the ACK.
func (s *SessionDialog) Ack(opts *RequestOptions) (*OutgoingRequestMessage, error) {
	if s.disposed {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}
	if !s.ackPending {
		return nil, errtrace.Wrap(ErrSessionState)
	}

	var o RequestOptions
	if opts != nil {
		o = *opts
	}

	var bye bool
	switch {
	case s.signalingState == SignalingStateHaveRemoteOffer:
		if !o.Body.IsSession() || !s.validRemoteOffer() {
			h := s.core.cfg.SessionDescriptionHandler
			if h == nil {
				return nil, errtrace.Wrap(ErrAnswerRequired)
			}
			answer, err := h.RejectOffer(s.offer)
			if err != nil {
				return nil, errtrace.Wrap(err)
			}
			o.Body = answer
			bye = true
		}
	case o.Body.IsSession():
		return nil, errtrace.Wrap(NewInvalidArgumentError("ACK may carry only an answer to the offer of the 2xx"))
	}

	s.sendAck(&o)
	if bye {
		if _, err := s.Bye(nil, nil); err != nil {
			s.log.LogAttrs(s.core.ctx, slog.LevelWarn, "failed to send BYE", slog.Any("dialog", s), slog.Any("error", err))
		}
	}
	return s.lastAck, nil
}

func (s *SessionDialog) sendAck(opts *RequestOptions) {
	ack := s.createOutgoingRequestMessage(MethodAck, s.ackCSeq, opts)
	s.ackPending = false
	s.signalingStateTransition(ack.Body, false)
	if s.sessionState == SessionStateAckWait {
		s.sessionState = SessionStateConfirmed
	}

	s.log.LogAttrs(s.core.ctx, slog.LevelDebug, "send ACK", slog.Any("dialog", s), slog.Any("request", ack))

	if s.inviteTx != nil && s.inviteTx.State() == TransactionStateAccepted {
		if err := s.inviteTx.AckResponse(ack); err != nil {
			s.log.LogAttrs(s.core.ctx, slog.LevelWarn, "failed to send ACK", slog.Any("dialog", s), slog.Any("error", err))
		}
		s.core.metrics.requestSent(MethodAck)
	} else {
		s.core.sendRequest(ack)
	}
	s.inviteTx = nil
	s.lastAck = ack
}

// ackAndBye acknowledges a 2xx the session cannot use and ends the session.
func (s *SessionDialog) ackAndBye() {
	if s.ackPending {
		var opts RequestOptions
		if s.signalingState == SignalingStateHaveRemoteOffer {
			if h := s.core.cfg.SessionDescriptionHandler; h != nil {
				if answer, err := h.RejectOffer(s.offer); err == nil {
					opts.Body = answer
				}
			}
		}
		s.sendAck(&opts)
	}
	if _, err := s.Bye(nil, nil); err != nil {
		s.log.LogAttrs(s.core.ctx, slog.LevelWarn, "failed to send BYE", slog.Any("dialog", s), slog.Any("error", err))
	}
}

// expectAck marks the 2xx received by an INVITE client transaction as pending acknowledgement.
func (s *SessionDialog) expectAck(tx *InviteClientTransaction, cseq uint32) {
	s.ackPending = true
	s.ackCSeq = cseq
	s.inviteTx = tx
	if s.sessionState == SessionStateEarly {
		s.sessionState = SessionStateAckWait
	}
}

// Bye ends the session (RFC 3261 15). The dialog is disposed right away,
// the delegate gets the responses to the BYE.
func (s *SessionDialog) Bye(delegate *OutgoingRequestDelegate, opts *RequestOptions) (*ByeUserAgentClient, error) {
	if s.disposed {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}
	if s.sessionState == SessionStateEarly {
		return nil, errtrace.Wrap(ErrSessionState)
	}
	uac, err := s.request(MethodBye, delegate, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	s.Dispose()
	return &ByeUserAgentClient{uac}, nil
}

// Info sends an INFO request (RFC 6086).
func (s *SessionDialog) Info(delegate *OutgoingRequestDelegate, opts *RequestOptions) (*InfoUserAgentClient, error) {
	uac, err := s.request(MethodInfo, delegate, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &InfoUserAgentClient{uac}, nil
}

// Message sends a MESSAGE request within the session.
func (s *SessionDialog) Message(delegate *OutgoingRequestDelegate, opts *RequestOptions) (*MessageUserAgentClient, error) {
	uac, err := s.request(MethodMessage, delegate, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &MessageUserAgentClient{uac}, nil
}

// Notify sends a NOTIFY request within the session, for example to report REFER progress.
func (s *SessionDialog) Notify(delegate *OutgoingRequestDelegate, opts *RequestOptions) (*NotifyUserAgentClient, error) {
	uac, err := s.request(MethodNotify, delegate, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &NotifyUserAgentClient{uac}, nil
}

// Refer sends a REFER request (RFC 3515).
func (s *SessionDialog) Refer(delegate *OutgoingRequestDelegate, opts *RequestOptions) (*ReferUserAgentClient, error) {
	uac, err := s.request(MethodRefer, delegate, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &ReferUserAgentClient{uac}, nil
}

// Invite sends a re-INVITE (RFC 3261 14.1).
// Only one re-INVITE may be pending at a time, and not while an offer is outstanding.
func (s *SessionDialog) Invite(delegate *InviteUserAgentClientDelegate, opts *RequestOptions) (*ReInviteUserAgentClient, error) {
	if s.disposed {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}
	if s.sessionState != SessionStateConfirmed {
		return nil, errtrace.Wrap(ErrSessionState)
	}
	if s.reinviteUAC != nil || s.reinviteUAS != nil {
		return nil, errtrace.Wrap(ErrActionNotAllowed)
	}
	if s.signalingState == SignalingStateHaveLocalOffer || s.signalingState == SignalingStateHaveRemoteOffer {
		return nil, errtrace.Wrap(ErrSessionState)
	}
	return errtrace.Wrap2(newReInviteUserAgentClient(s, delegate, opts))
}

// prack acknowledges a reliable provisional response (RFC 3262 7.2).
func (s *SessionDialog) prack(res *IncomingResponseMessage, delegate *OutgoingRequestDelegate, opts *RequestOptions) (*PrackUserAgentClient, error) {
	var o RequestOptions
	if opts != nil {
		o = *opts
	}
	o.ExtraHeaders = o.ExtraHeaders.Clone()
	o.ExtraHeaders.Set("RAck", res.Header("RSeq")+" "+strconv.FormatUint(uint64(res.CSeq), 10)+" "+res.CSeqMethod)

	if s.signalingState == SignalingStateHaveRemoteOffer && !o.Body.IsSession() {
		return nil, errtrace.Wrap(ErrAnswerRequired)
	}

	uac, err := s.requestWith(MethodPrack, delegate, &o, func(res *IncomingResponseMessage) {
		if IsSuccessful(res.StatusCode) {
			s.signalingStateTransition(res.Body(), true)
		}
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	s.signalingStateTransition(o.Body, false)
	return &PrackUserAgentClient{uac}, nil
}

func (s *SessionDialog) request(method string, delegate *OutgoingRequestDelegate, opts *RequestOptions) (*userAgentClient, error) {
	return errtrace.Wrap2(s.requestWith(method, delegate, opts, nil))
}

// requestWith sends a request within the session. A 481 or 408 to it ends the session
// (RFC 3261 12.2.1.2), other responses go to hook and then to the delegate.
func (s *SessionDialog) requestWith(
	method string,
	delegate *OutgoingRequestDelegate,
	opts *RequestOptions,
	hook func(res *IncomingResponseMessage),
) (*userAgentClient, error) {
	if s.disposed {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}

	req := s.createOutgoingRequestMessage(method, 0, opts)
	uac := newUserAgentClient(s.core, req, delegate)
	uac.dialog = s.Dialog
	uac.recv = func(res *IncomingResponseMessage) {
		s.refreshTarget(res)
		if hook != nil {
			hook(res)
		}
		uac.receiveResponse(res)
		if method != MethodBye {
			s.terminateOnFailure(res)
		}
	}
	if err := uac.init(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return uac, nil
}

func (s *SessionDialog) terminateOnFailure(res *IncomingResponseMessage) {
	if s.disposed {
		return
	}
	switch res.StatusCode {
	case StatusCallTransactionDoesNotExist:
		s.log.LogAttrs(s.core.ctx, slog.LevelWarn, "session no longer exists at the peer", slog.Any("dialog", s))
		s.Dispose()
	case StatusRequestTimeout:
		s.log.LogAttrs(s.core.ctx, slog.LevelWarn, "in-dialog request timed out", slog.Any("dialog", s))
		if s.sessionState == SessionStateEarly {
			s.Dispose()
			return
		}
		if _, err := s.Bye(nil, nil); err != nil {
			s.Dispose()
		}
	}
}

// startRetransmit calls fn on a doubling interval, capped by limit when it is positive,
// until fn returns false or the timer is stopped.
func startRetransmit(tmrs *timeutil.Bag, name string, interval, limit time.Duration, fn func() bool) {
	var tick func()
	tick = func() {
		if !fn() {
			return
		}
		interval *= 2
		if limit > 0 {
			interval = min(interval, limit)
		}
		tmrs.Start(name, interval, tick)
	}
	tmrs.Start(name, interval, tick)
}
