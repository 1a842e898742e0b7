package sip

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/util"
)

// SubscriptionState represents the state of a subscription (RFC 6665).
type SubscriptionState string

const (
	SubscriptionStateInitial    SubscriptionState = "Initial"
	SubscriptionStateNotifyWait SubscriptionState = "NotifyWait"
	SubscriptionStatePending    SubscriptionState = "Pending"
	SubscriptionStateActive     SubscriptionState = "Active"
	SubscriptionStateTerminated SubscriptionState = "Terminated"
)

// Subscription events.
const (
	subEvtNotifyPending    = "notify_pending"
	subEvtNotifyActive     = "notify_active"
	subEvtNotifyTerminated = "notify_terminated"
	subEvtRefresh          = "refresh"
	subEvtTimerN           = "timer_N"
	subEvtTerminate        = "terminate"

	subTmrN       = "timer_N"
	subTmrExpires = "expires"
	subTmrRefresh = "refresh"
	subTmrLinger  = "linger"
)

// SubscriptionDelegate receives the events of a subscription. Nil callbacks are skipped.
type SubscriptionDelegate struct {
	// OnNotify is called on every NOTIFY within the subscription.
	// The NOTIFY is accepted automatically if the callback is nil.
	OnNotify func(uas *NotifyUserAgentServer)
	// OnRefresh is called when a refreshing SUBSCRIBE was sent.
	OnRefresh func(uac *SubscribeRefreshUserAgentClient)
	// OnNotifyTimeout is called when no NOTIFY followed a refresh in time (Timer N).
	OnNotifyTimeout func()
	// OnTerminated is called once, when the subscription reaches the Terminated state.
	OnTerminated func()
}

// SubscribeRefreshUserAgentClient sends a refreshing or removing SUBSCRIBE within a subscription.
type SubscribeRefreshUserAgentClient struct{ *userAgentClient }

// subscriptionStateHeader carries the parsed Subscription-State header of a NOTIFY.
type subscriptionStateHeader struct {
	state   string
	expires int
	reason  string
}

func parseSubscriptionState(val string) (subscriptionStateHeader, bool) {
	hdr := subscriptionStateHeader{expires: -1}
	parts := strings.Split(val, ";")
	hdr.state = util.LCase(strings.TrimSpace(parts[0]))
	if hdr.state == "" {
		return hdr, false
	}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(p, "=")
		switch util.LCase(strings.TrimSpace(k)) {
		case "expires":
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || n < 0 {
				return hdr, false
			}
			hdr.expires = n
		case "reason":
			hdr.reason = util.LCase(strings.TrimSpace(v))
		}
	}
	return hdr, true
}

// SubscriptionDialog is a dialog created by a NOTIFY matching an outgoing SUBSCRIBE (RFC 6665 4.1.2.4).
//
// Termination by a NOTIFY with "Subscription-State: terminated", by expiry, by Timer N
// or by [SubscriptionDialog.Unsubscribe] ends in the same Terminated state,
// the delegate learns about it exactly once.
type SubscriptionDialog struct {
	*Dialog
	// AutoRefresh makes the subscription refresh itself before it expires.
	AutoRefresh bool
	// Delegate may be set by the application once it gets the subscription.
	Delegate *SubscriptionDelegate

	event     string
	eventHdr  string
	duration  time.Duration
	expiresAt time.Time
	fsm       *stateless.StateMachine
	tmrs      *timeutil.Bag
	// finalNotify is set once a NOTIFY terminated the subscription.
	finalNotify bool
}

func newSubscriptionDialog(core *UserAgentCore, state DialogState, sub *OutgoingRequestMessage, delegate *SubscriptionDelegate) *SubscriptionDialog {
	d := &SubscriptionDialog{
		Dialog:   newDialog(core, state),
		Delegate: delegate,
		eventHdr: sub.Header("Event"),
		tmrs:     timeutil.NewBag(core.sched),
	}
	d.event, _, _ = strings.Cut(d.eventHdr, ";")
	d.event = util.LCase(strings.TrimSpace(d.event))
	if exp, err := strconv.Atoi(strings.TrimSpace(sub.Header("Expires"))); err == nil && exp > 0 {
		d.duration = time.Duration(exp) * time.Second
	}
	d.initFSM()

	core.dialogs.put(state.ID, d)
	core.metrics.dialogOpened()

	d.log.LogAttrs(core.ctx, slog.LevelDebug, "subscription dialog created", slog.Any("dialog", d))
	return d
}

func (d *SubscriptionDialog) initFSM() {
	d.fsm = stateless.NewStateMachineWithMode(SubscriptionStateInitial, stateless.FiringQueued)
	d.fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		if t.Source == t.Destination {
			return
		}
		d.log.LogAttrs(ctx, slog.LevelDebug,
			"subscription state changed",
			slog.Any("dialog", d),
			slog.Any("from", t.Source),
			slog.Any("trigger", t.Trigger),
		)
	})

	d.fsm.Configure(SubscriptionStateInitial).
		Permit(subEvtNotifyPending, SubscriptionStatePending).
		Permit(subEvtNotifyActive, SubscriptionStateActive).
		Permit(subEvtNotifyTerminated, SubscriptionStateTerminated).
		Permit(subEvtTerminate, SubscriptionStateTerminated).
		Ignore(subEvtRefresh).
		Ignore(subEvtTimerN)

	d.fsm.Configure(SubscriptionStateNotifyWait).
		OnEntry(d.actNotifyWait).
		OnExit(d.actStopTimerN).
		Permit(subEvtNotifyPending, SubscriptionStatePending).
		Permit(subEvtNotifyActive, SubscriptionStateActive).
		Permit(subEvtNotifyTerminated, SubscriptionStateTerminated).
		Permit(subEvtTimerN, SubscriptionStateTerminated).
		Permit(subEvtTerminate, SubscriptionStateTerminated).
		PermitReentry(subEvtRefresh)

	d.fsm.Configure(SubscriptionStatePending).
		PermitReentry(subEvtNotifyPending).
		Permit(subEvtNotifyActive, SubscriptionStateActive).
		Permit(subEvtNotifyTerminated, SubscriptionStateTerminated).
		Permit(subEvtRefresh, SubscriptionStateNotifyWait).
		Permit(subEvtTerminate, SubscriptionStateTerminated).
		Ignore(subEvtTimerN)

	d.fsm.Configure(SubscriptionStateActive).
		PermitReentry(subEvtNotifyActive).
		Permit(subEvtNotifyPending, SubscriptionStatePending).
		Permit(subEvtNotifyTerminated, SubscriptionStateTerminated).
		Permit(subEvtRefresh, SubscriptionStateNotifyWait).
		Permit(subEvtTerminate, SubscriptionStateTerminated).
		Ignore(subEvtTimerN)

	d.fsm.Configure(SubscriptionStateTerminated).
		OnEntry(d.actTerminated).
		Ignore(subEvtNotifyPending).
		Ignore(subEvtNotifyActive).
		Ignore(subEvtNotifyTerminated).
		Ignore(subEvtRefresh).
		Ignore(subEvtTimerN).
		Ignore(subEvtTerminate)
}

// State returns the subscription state.
func (d *SubscriptionDialog) State() SubscriptionState {
	return d.fsm.MustState().(SubscriptionState) //nolint:forcetypeassert
}

// DialogState returns the state of the underlying dialog.
func (d *SubscriptionDialog) DialogState() DialogState { return d.Dialog.State() }

// Event returns the event package of the subscription.
func (d *SubscriptionDialog) Event() string { return d.event }

// Expires returns the time left until the subscription expires, zero if unknown or expired.
func (d *SubscriptionDialog) Expires() time.Duration {
	if d.expiresAt.IsZero() {
		return 0
	}
	return max(d.expiresAt.Sub(d.tmrs.Now()), 0)
}

func (d *SubscriptionDialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", d.state.ID),
		slog.String("event", d.event),
		slog.Any("state", d.fsm.MustState()),
	)
}

func (d *SubscriptionDialog) fire(evt string, args ...any) {
	if err := d.fsm.FireCtx(d.core.ctx, evt, args...); err != nil {
		d.log.LogAttrs(d.core.ctx, slog.LevelWarn, "subscription event not handled",
			slog.Any("dialog", d),
			slog.String("event", evt),
			slog.Any("error", err),
		)
	}
}

func (d *SubscriptionDialog) actNotifyWait(context.Context, ...any) error {
	d.tmrs.Start(subTmrN, d.core.timings().TimeN(), func() {
		d.log.LogAttrs(d.core.ctx, slog.LevelWarn, "NOTIFY not received", slog.Any("dialog", d))
		if d.Delegate != nil && d.Delegate.OnNotifyTimeout != nil {
			d.Delegate.OnNotifyTimeout()
		}
		d.fire(subEvtTimerN)
	})
	return nil
}

func (d *SubscriptionDialog) actStopTimerN(context.Context, ...any) error {
	d.tmrs.Stop(subTmrN)
	return nil
}

func (d *SubscriptionDialog) actTerminated(context.Context, ...any) error {
	d.tmrs.StopAll()
	d.expiresAt = time.Time{}
	if d.Delegate != nil && d.Delegate.OnTerminated != nil {
		d.Delegate.OnTerminated()
	}
	if d.finalNotify {
		d.Dispose()
		return nil
	}
	// the final NOTIFY of the notifier is still answered within the dialog
	d.tmrs.Start(subTmrLinger, 64*d.core.timings().T1(), d.Dispose)
	return nil
}

// setExpires rearms the expiry and the auto refresh timers.
func (d *SubscriptionDialog) setExpires(exp time.Duration) {
	if d.State() == SubscriptionStateTerminated {
		return
	}
	d.expiresAt = d.tmrs.Now().Add(exp)
	d.tmrs.Start(subTmrExpires, exp, func() {
		d.log.LogAttrs(d.core.ctx, slog.LevelDebug, "subscription expired", slog.Any("dialog", d))
		d.fire(subEvtTerminate)
	})
	if d.AutoRefresh && exp > 0 {
		d.tmrs.Start(subTmrRefresh, exp*9/10, func() {
			if _, err := d.Refresh(nil); err != nil {
				d.log.LogAttrs(d.core.ctx, slog.LevelWarn, "failed to refresh subscription", slog.Any("dialog", d), slog.Any("error", err))
			}
		})
	}
}

func (d *SubscriptionDialog) receiveRequest(req *IncomingRequestMessage) {
	if req.Method != MethodNotify {
		if req.Method != MethodAck {
			d.core.replyStateless(req, ResponseOptions{StatusCode: StatusNotImplemented})
		}
		return
	}
	d.receiveNotify(req, nil)
}

// receiveNotify processes a NOTIFY within the subscription. The NOTIFY server is passed to deliver
// if it is not nil, to the delegate otherwise.
func (d *SubscriptionDialog) receiveNotify(req *IncomingRequestMessage, deliver func(uas *NotifyUserAgentServer)) {
	if req.Event() != d.event {
		d.core.replyStateless(req, ResponseOptions{StatusCode: StatusBadEvent})
		return
	}
	hdr, ok := parseSubscriptionState(req.Header("Subscription-State"))
	if !ok {
		d.core.replyStateless(req, ResponseOptions{StatusCode: StatusBadRequest})
		return
	}
	var evt string
	switch hdr.state {
	case "pending":
		evt = subEvtNotifyPending
	case "active":
		evt = subEvtNotifyActive
	case "terminated":
		evt = subEvtNotifyTerminated
	default:
		d.core.replyStateless(req, ResponseOptions{StatusCode: StatusBadRequest})
		return
	}

	if !d.Dialog.receiveRequest(req) {
		return
	}
	uas, err := newNotifyUserAgentServer(d.core, req)
	if err != nil {
		d.core.rejectInvalid(req, err)
		return
	}

	if deliver == nil && d.Delegate != nil {
		deliver = d.Delegate.OnNotify
	}
	if deliver != nil {
		deliver(uas)
	} else {
		uas.Accept(nil) //nolint:errcheck
	}

	if evt == subEvtNotifyTerminated {
		d.finalNotify = true
		if d.State() == SubscriptionStateTerminated {
			d.Dispose()
			return
		}
	}
	d.fire(evt)
	if evt != subEvtNotifyTerminated && hdr.expires >= 0 {
		d.setExpires(time.Duration(hdr.expires) * time.Second)
	}
}

// Refresh sends a SUBSCRIBE extending the subscription (RFC 6665 4.1.2.2).
// The subscription waits for a NOTIFY for Timer N afterwards.
func (d *SubscriptionDialog) Refresh(opts *RequestOptions) (*SubscribeRefreshUserAgentClient, error) {
	switch d.State() {
	case SubscriptionStateTerminated:
		return nil, errtrace.Wrap(ErrSubscriptionTerminated)
	case SubscriptionStateInitial:
		return nil, errtrace.Wrap(ErrActionNotAllowed)
	}

	uac, err := d.subscribe(opts, d.duration)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	d.fire(subEvtRefresh)
	if d.Delegate != nil && d.Delegate.OnRefresh != nil {
		d.Delegate.OnRefresh(uac)
	}
	return uac, nil
}

// Unsubscribe sends a SUBSCRIBE with "Expires: 0" and terminates the subscription.
// The final NOTIFY of the notifier is still accepted.
func (d *SubscriptionDialog) Unsubscribe(opts *RequestOptions) (*SubscribeRefreshUserAgentClient, error) {
	if d.State() == SubscriptionStateTerminated {
		return nil, errtrace.Wrap(ErrSubscriptionTerminated)
	}
	uac, err := d.subscribe(opts, 0)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	d.fire(subEvtTerminate)
	return uac, nil
}

func (d *SubscriptionDialog) subscribe(opts *RequestOptions, exp time.Duration) (*SubscribeRefreshUserAgentClient, error) {
	if d.disposed {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}

	var o RequestOptions
	if opts != nil {
		o = *opts
	}
	o.ExtraHeaders = o.ExtraHeaders.Clone()
	o.ExtraHeaders.Set("Event", d.eventHdr)
	if exp > 0 || !o.ExtraHeaders.Has("Expires") {
		o.ExtraHeaders.Set("Expires", strconv.Itoa(int(exp/time.Second)))
	}

	req := d.createOutgoingRequestMessage(MethodSubscribe, 0, &o)
	uac := newUserAgentClient(d.core, req, nil)
	uac.dialog = d.Dialog
	uac.recv = func(res *IncomingResponseMessage) {
		d.refreshTarget(res)
		if IsSuccessful(res.StatusCode) && exp > 0 {
			if v, err := strconv.Atoi(strings.TrimSpace(res.Header("Expires"))); err == nil && v >= 0 {
				d.setExpires(time.Duration(v) * time.Second)
			}
		}
		uac.receiveResponse(res)
		// RFC 6665 4.1.2.2
		switch res.StatusCode {
		case StatusCallTransactionDoesNotExist, StatusRequestTimeout:
			d.fire(subEvtTerminate)
		}
	}
	if err := uac.init(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &SubscribeRefreshUserAgentClient{uac}, nil
}

// terminate ends the subscription without signaling. It is idempotent.
func (d *SubscriptionDialog) terminate() { d.fire(subEvtTerminate) }

// Dispose terminates the subscription, stops its timers and removes the dialog from the core.
// It is idempotent.
func (d *SubscriptionDialog) Dispose() {
	if d.disposed {
		return
	}
	d.finalNotify = true
	d.Dialog.Dispose()
	d.terminate()
	d.tmrs.StopAll()
}
