package sip

import (
	"log/slog"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/util"
)

// SubscribeUserAgentClientDelegate receives the responses and the NOTIFY requests of a SUBSCRIBE.
type SubscribeUserAgentClientDelegate struct {
	OutgoingRequestDelegate
	// OnNotify is called on the NOTIFY that created a subscription.
	// A NOTIFY terminating the subscription before any was created comes with a nil subscription.
	// The NOTIFY is accepted automatically if the callback is nil.
	OnNotify func(uas *NotifyUserAgentServer, sub *SubscriptionDialog)
	// OnNotifyTimeout is called if no NOTIFY arrived within Timer N after the SUBSCRIBE was sent.
	OnNotifyTimeout func()
}

// SubscribeUserAgentClient sends a SUBSCRIBE outside of a dialog (RFC 6665 4.1.2).
// It waits for Timer N for NOTIFY requests, each notifier creates its own [SubscriptionDialog].
type SubscribeUserAgentClient struct {
	*userAgentClient

	subDelegate   *SubscribeUserAgentClientDelegate
	id            string
	event         string
	tmrs          *timeutil.Bag
	subscriptions map[string]*SubscriptionDialog
	registered    bool
}

func newSubscribeUserAgentClient(core *UserAgentCore, req *OutgoingRequestMessage, delegate *SubscribeUserAgentClientDelegate) (*SubscribeUserAgentClient, error) {
	evt, _, _ := strings.Cut(req.Header("Event"), ";")
	evt = util.LCase(strings.TrimSpace(evt))
	if evt == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("SUBSCRIBE without Event"))
	}
	if delegate == nil {
		delegate = &SubscribeUserAgentClientDelegate{}
	}

	uac := &SubscribeUserAgentClient{
		userAgentClient: newUserAgentClient(core, req, &delegate.OutgoingRequestDelegate),
		subDelegate:     delegate,
		id:              SubscriberID(req.CallID, req.FromTag(), evt),
		event:           evt,
		tmrs:            timeutil.NewBag(core.sched),
		subscriptions:   make(map[string]*SubscriptionDialog),
	}
	uac.recv = uac.receiveSubscribeResponse
	if err := uac.init(); err != nil {
		return nil, errtrace.Wrap(err)
	}

	core.subscribers.put(uac.id, uac)
	core.metrics.subscriptionOpened()
	uac.registered = true
	uac.tmrs.Start(subTmrN, core.timings().TimeN(), uac.onTimerN)
	return uac, nil
}

// Subscriptions returns the subscriptions created so far.
func (uac *SubscribeUserAgentClient) Subscriptions() []*SubscriptionDialog {
	subs := make([]*SubscriptionDialog, 0, len(uac.subscriptions))
	for _, s := range uac.subscriptions {
		subs = append(subs, s)
	}
	return subs
}

func (uac *SubscribeUserAgentClient) receiveSubscribeResponse(res *IncomingResponseMessage) {
	if res.StatusCode >= 300 && len(uac.subscriptions) == 0 {
		uac.unregister()
	}
	uac.receiveResponse(res)
}

func (uac *SubscribeUserAgentClient) onTimerN() {
	if len(uac.subscriptions) == 0 {
		uac.log.LogAttrs(uac.core.ctx, slog.LevelWarn, "NOTIFY not received", slog.Any("user_agent", uac))
		if uac.subDelegate.OnNotifyTimeout != nil {
			uac.subDelegate.OnNotifyTimeout()
		}
	}
	uac.unregister()
}

func (uac *SubscribeUserAgentClient) onNotify(req *IncomingRequestMessage) {
	if req.Event() != uac.event {
		uac.core.replyStateless(req, ResponseOptions{StatusCode: StatusBadEvent})
		return
	}
	if !req.HasHeader("Subscription-State") {
		uac.core.replyStateless(req, ResponseOptions{StatusCode: StatusBadRequest})
		return
	}

	if sub, ok := uac.subscriptions[req.FromTag]; ok && !sub.disposed {
		sub.receiveRequest(req)
		return
	}

	hdr, ok := parseSubscriptionState(req.Header("Subscription-State"))
	if !ok {
		uac.core.replyStateless(req, ResponseOptions{StatusCode: StatusBadRequest})
		return
	}
	switch hdr.state {
	case "active", "pending":
	case "terminated":
		// the notifier ended the subscription before a dialog was established
		uas, err := newNotifyUserAgentServer(uac.core, req)
		if err != nil {
			uac.core.rejectInvalid(req, err)
			return
		}
		if uac.subDelegate.OnNotify != nil {
			uac.subDelegate.OnNotify(uas, nil)
		} else {
			uas.Accept(nil) //nolint:errcheck
		}
		if len(uac.subscriptions) == 0 {
			uac.unregister()
		}
		return
	default:
		uac.core.replyStateless(req, ResponseOptions{StatusCode: StatusBadRequest})
		return
	}

	state, err := initialDialogStateForNotify(uac.req, req)
	if err != nil {
		uac.core.rejectInvalid(req, err)
		return
	}
	sub := newSubscriptionDialog(uac.core, state, uac.req, nil)
	uac.subscriptions[req.FromTag] = sub

	sub.receiveNotify(req, func(uas *NotifyUserAgentServer) {
		if uac.subDelegate.OnNotify != nil {
			uac.subDelegate.OnNotify(uas, sub)
		} else {
			uas.Accept(nil) //nolint:errcheck
		}
	})
}

func (uac *SubscribeUserAgentClient) unregister() {
	if !uac.registered {
		return
	}
	uac.registered = false
	uac.tmrs.StopAll()
	if uac.core.subscribers.delete(uac.id) {
		uac.core.metrics.subscriptionClosed()
	}
}

// Dispose stops waiting for NOTIFY requests and stops the transaction.
// Subscriptions already created are left intact.
func (uac *SubscribeUserAgentClient) Dispose() {
	uac.unregister()
	uac.userAgentClient.Dispose()
}
