package sip

import (
	"log/slog"
	"slices"

	"braces.dev/errtrace"
)

// DialogState is the state shared by every kind of dialog (RFC 3261 12).
type DialogState struct {
	ID                   string
	Early                bool
	CallID               string
	LocalTag             string
	RemoteTag            string
	LocalSequenceNumber  uint32
	RemoteSequenceNumber uint32
	// RemoteSequenceKnown is false until the first request from the peer is seen.
	RemoteSequenceKnown bool
	LocalURI            URI
	RemoteURI           URI
	RemoteTarget        URI
	// RouteSet holds Route values in sending order.
	RouteSet []string
	Secure   bool
}

func (s DialogState) clone() DialogState {
	s.RouteSet = slices.Clone(s.RouteSet)
	return s
}

// initialDialogStateForUserAgentClient derives the state of a dialog created by a response
// to an outgoing request (RFC 3261 12.1.2).
func initialDialogStateForUserAgentClient(req *OutgoingRequestMessage, res *IncomingResponseMessage) (DialogState, error) {
	if res.ToTag == "" {
		return DialogState{}, errtrace.Wrap(NewInvalidArgumentError("response without To tag"))
	}
	contact, ok := res.Contact()
	if !ok {
		return DialogState{}, errtrace.Wrap(NewInvalidArgumentError("response without Contact"))
	}

	routeSet := res.RecordRoute()
	slices.Reverse(routeSet)

	st := DialogState{
		ID:                  DialogID(req.CallID, req.FromTag(), res.ToTag),
		Early:               IsProvisional(res.StatusCode),
		CallID:              req.CallID,
		LocalTag:            req.FromTag(),
		RemoteTag:           res.ToTag,
		LocalSequenceNumber: req.CSeq,
		LocalURI:            req.From.URI.Clone(),
		RemoteURI:           req.To.URI.Clone(),
		RemoteTarget:        contact.URI,
		RouteSet:            routeSet,
		Secure:              req.RequestURI.Scheme == "sips",
	}
	return st, nil
}

// initialDialogStateForNotify derives the state of a subscription dialog created by the first NOTIFY
// matching an outgoing SUBSCRIBE (RFC 6665 4.1.2.4). The NOTIFY is processed like a request of the peer.
func initialDialogStateForNotify(sub *OutgoingRequestMessage, notify *IncomingRequestMessage) (DialogState, error) {
	contact, ok := notify.Contact()
	if !ok {
		return DialogState{}, errtrace.Wrap(NewInvalidArgumentError("NOTIFY without Contact"))
	}

	st := DialogState{
		ID:                   DialogID(sub.CallID, sub.FromTag(), notify.FromTag),
		CallID:               sub.CallID,
		LocalTag:             sub.FromTag(),
		RemoteTag:            notify.FromTag,
		LocalSequenceNumber:  sub.CSeq,
		RemoteSequenceNumber: notify.CSeq,
		RemoteSequenceKnown:  true,
		LocalURI:             sub.From.URI.Clone(),
		RemoteURI:            sub.To.URI.Clone(),
		RemoteTarget:         contact.URI,
		RouteSet:             notify.RecordRoute(),
		Secure:               sub.RequestURI.Scheme == "sips",
	}
	return st, nil
}

// initialDialogStateForUserAgentServer derives the state of a dialog created by a response
// to an incoming request (RFC 3261 12.1.1).
func initialDialogStateForUserAgentServer(req *IncomingRequestMessage, toTag string, early bool) (DialogState, error) {
	if toTag == "" {
		return DialogState{}, errtrace.Wrap(NewInvalidArgumentError("empty local tag"))
	}
	contact, ok := req.Contact()
	if !ok {
		return DialogState{}, errtrace.Wrap(NewInvalidArgumentError("request without Contact"))
	}

	st := DialogState{
		ID:                   DialogID(req.CallID, toTag, req.FromTag),
		Early:                early,
		CallID:               req.CallID,
		LocalTag:             toTag,
		RemoteTag:            req.FromTag,
		RemoteSequenceNumber: req.CSeq,
		RemoteSequenceKnown:  true,
		LocalURI:             req.To.URI.Clone(),
		RemoteURI:            req.From.URI.Clone(),
		RemoteTarget:         contact.URI,
		RouteSet:             req.RecordRoute(),
		Secure:               req.RequestURI.Scheme == "sips",
	}
	return st, nil
}

// dialogHandler is a dialog registered in [UserAgentCore] that in-dialog requests are routed to.
type dialogHandler interface {
	ID() string
	receiveRequest(req *IncomingRequestMessage)
	Dispose()
}

// Dialog is the peer relationship every dialog kind builds on.
// It owns sequencing, the route set and the remote target.
type Dialog struct {
	core  *UserAgentCore
	state DialogState
	log   *slog.Logger

	disposed bool
}

func newDialog(core *UserAgentCore, state DialogState) *Dialog {
	return &Dialog{
		core:  core,
		state: state,
		log:   core.log,
	}
}

// ID returns the dialog identifier, Call-ID plus local and remote tags.
func (d *Dialog) ID() string { return d.state.ID }

// State returns a copy of the dialog state.
func (d *Dialog) State() DialogState { return d.state.clone() }

func (d *Dialog) CallID() string { return d.state.CallID }

func (d *Dialog) LocalTag() string { return d.state.LocalTag }

func (d *Dialog) RemoteTag() string { return d.state.RemoteTag }

func (d *Dialog) LocalSequenceNumber() uint32 { return d.state.LocalSequenceNumber }

func (d *Dialog) RemoteSequenceNumber() uint32 { return d.state.RemoteSequenceNumber }

func (d *Dialog) RemoteTarget() URI { return d.state.RemoteTarget }

func (d *Dialog) RouteSet() []string { return slices.Clone(d.state.RouteSet) }

// Early reports whether the dialog was created by a provisional response and not confirmed yet.
func (d *Dialog) Early() bool { return d.state.Early }

func (d *Dialog) Secure() bool { return d.state.Secure }

// IsDisposed reports whether the dialog has been disposed.
func (d *Dialog) IsDisposed() bool { return d.disposed }

func (d *Dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", d.state.ID),
		slog.Bool("early", d.state.Early),
	)
}

// confirm moves an early dialog to the confirmed state.
func (d *Dialog) confirm() {
	if d.state.Early {
		d.state.Early = false
		d.log.LogAttrs(d.core.ctx, slog.LevelDebug, "dialog confirmed", slog.Any("dialog", d))
	}
}

// sequenceGuard rejects requests that arrive out of order with a stateless 500.
// ACK shares the CSeq of its INVITE and is never answered.
func (d *Dialog) sequenceGuard(req *IncomingRequestMessage) bool {
	if req.Method == MethodAck {
		return true
	}
	if d.state.RemoteSequenceKnown && req.CSeq < d.state.RemoteSequenceNumber {
		d.log.LogAttrs(d.core.ctx, slog.LevelWarn,
			"out of order in-dialog request",
			slog.Any("dialog", d),
			slog.Any("request", req),
			slog.Any("remote_cseq", d.state.RemoteSequenceNumber),
		)
		d.core.replyStateless(req, ResponseOptions{StatusCode: StatusInternalServerError})
		return false
	}
	return true
}

// receiveRequest updates sequencing and the remote target from an in-dialog request
// that passed the sequence guard.
func (d *Dialog) receiveRequest(req *IncomingRequestMessage) bool {
	if !d.sequenceGuard(req) {
		return false
	}
	if req.Method == MethodAck {
		return true
	}

	d.state.RemoteSequenceNumber = req.CSeq
	d.state.RemoteSequenceKnown = true

	// target refresh (RFC 3261 12.2.2)
	if isTargetRefresh(req.Method) {
		if contact, ok := req.Contact(); ok {
			d.state.RemoteTarget = contact.URI
		}
	}
	return true
}

// recomputeRouteSet replaces the route set from the Record-Route of a 2xx response
// (RFC 3261 12.1.2). Provisional responses never change a route set, because requests
// sent within the early dialog may have already relied on it.
func (d *Dialog) recomputeRouteSet(res *IncomingResponseMessage) {
	if !IsSuccessful(res.StatusCode) {
		return
	}
	routeSet := res.RecordRoute()
	slices.Reverse(routeSet)
	d.state.RouteSet = routeSet
}

// refreshTarget updates the remote target from the Contact of a 2xx to a target refresh request.
func (d *Dialog) refreshTarget(res *IncomingResponseMessage) {
	if !IsSuccessful(res.StatusCode) || !isTargetRefresh(res.CSeqMethod) {
		return
	}
	if contact, ok := res.Contact(); ok {
		d.state.RemoteTarget = contact.URI
	}
}

// incrementLocalSequenceNumber returns the next local CSeq.
// An empty local sequence (dialogs created as UAS) starts at 1.
func (d *Dialog) incrementLocalSequenceNumber() uint32 {
	d.state.LocalSequenceNumber++
	return d.state.LocalSequenceNumber
}

// createOutgoingRequestMessage builds a request within the dialog (RFC 3261 12.2.1.1).
// ACK and CANCEL reuse the given CSeq, other methods take the next local sequence number.
func (d *Dialog) createOutgoingRequestMessage(method string, cseq uint32, opts *RequestOptions) *OutgoingRequestMessage {
	if method != MethodAck && method != MethodCancel {
		cseq = d.incrementLocalSequenceNumber()
	}

	reqOpts := d.core.outgoingRequestOptions()
	reqOpts.CallID = d.state.CallID
	reqOpts.CSeq = cseq
	reqOpts.FromTag = d.state.LocalTag
	reqOpts.ToTag = d.state.RemoteTag
	reqOpts.RouteSet = d.state.RouteSet

	var (
		hdrs Headers
		body *Body
	)
	if opts != nil {
		hdrs = opts.ExtraHeaders
		body = opts.Body
	}
	req := NewOutgoingRequestMessage(method, d.state.RemoteTarget, d.state.LocalURI, d.state.RemoteURI, reqOpts, hdrs, body)
	if isTargetRefresh(method) && !req.ExtraHeaders.Has("Contact") {
		req.SetHeader("Contact", d.core.contact().String())
	}
	return req
}

// Dispose removes the dialog from the core. It is idempotent.
func (d *Dialog) Dispose() {
	if d.disposed {
		return
	}
	d.disposed = true
	if d.core.dialogs.delete(d.state.ID) {
		d.core.metrics.dialogClosed()
	}
	d.log.LogAttrs(d.core.ctx, slog.LevelDebug, "dialog disposed", slog.Any("dialog", d))
}

// RequestOptions are the optional parts of a request sent by the engine.
type RequestOptions struct {
	ExtraHeaders Headers
	Body         *Body
}
