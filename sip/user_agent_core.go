package sip

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/util"
	"github.com/ghettovoice/sipua/log"
)

// UserAgentCoreConfiguration configures a [UserAgentCore].
type UserAgentCoreConfiguration struct {
	// AOR is the address of record, used as From of new requests and to match
	// the user part of incoming request URIs.
	AOR URI
	// Contact is put into the Contact header of dialog creating requests and responses.
	// If zero, the AOR is used.
	Contact NameAddr
	// DisplayName is put into the From header of new requests.
	DisplayName string
	// UserAgent is the value of the User-Agent header.
	UserAgent string
	// ViaHost is the sent-by host of Via headers.
	// If empty, a random ".invalid" host is generated per request.
	ViaHost       string
	ViaForceRport bool
	// SupportedOptionTags are listed in the Supported header, a request requiring
	// any other tag is rejected with 420.
	SupportedOptionTags []string
	// Authenticator answers 401 and 407 challenges. If nil, challenges are passed to the delegate.
	Authenticator Authenticator
	// SessionDescriptionHandler validates session bodies and builds answers rejecting
	// unacceptable offers.
	SessionDescriptionHandler SessionDescriptionHandler
	// Timings is the SIP timing config of transactions and dialogs.
	Timings *TimingConfig
	// Executor runs every state transition of the core.
	// If nil, a [SerialExecutor] owned by the core is used.
	Executor Executor
	// Scheduler schedules timers. If nil, a wall clock scheduler posting expired
	// callbacks to the executor is used.
	Scheduler Scheduler
	// Metrics are updated when set.
	Metrics *Metrics
	// Log is the logger of the core. If nil, the [log.Default] will be used.
	Log         *slog.Logger
	MaxForwards int
}

// UserAgentCoreDelegate receives new out-of-dialog requests.
// A nil callback makes the core answer with the default response of the method.
type UserAgentCoreDelegate struct {
	OnInvite    func(uas *InviteUserAgentServer)
	OnMessage   func(uas *MessageUserAgentServer)
	OnNotify    func(uas *NotifyUserAgentServer)
	OnRefer     func(uas *ReferUserAgentServer)
	OnRegister  func(uas *RegisterUserAgentServer)
	OnSubscribe func(uas *SubscribeUserAgentServer)
}

// UserAgentCoreStats are the sizes of the core registries.
type UserAgentCoreStats struct {
	ClientTransactions int
	ServerTransactions int
	Dialogs            int
	Subscribers        int
}

// UserAgentCore routes messages between the transport, transactions, dialogs
// and user agents (RFC 3261 8).
// Its methods are not safe for concurrent use and must be called on the executor.
type UserAgentCore struct {
	ctx      context.Context //nolint:containedctx
	cfg      UserAgentCoreConfiguration
	tp       Transport
	delegate *UserAgentCoreDelegate
	log      *slog.Logger
	exec     Executor
	ownExec  *SerialExecutor
	sched    Scheduler
	metrics  *Metrics

	clients     *registry[ClientTransactionKey, ClientTransaction]
	servers     *registry[string, *userAgentServer]
	dialogs     *registry[string, dialogHandler]
	subscribers *registry[string, *SubscribeUserAgentClient]

	disposed bool
}

// NewUserAgentCore creates a user agent core sending through the transport.
// Configuration and delegate are optional.
func NewUserAgentCore(tp Transport, cfg *UserAgentCoreConfiguration, delegate *UserAgentCoreDelegate) (*UserAgentCore, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("transport is required"))
	}

	c := &UserAgentCore{
		ctx:         context.Background(),
		tp:          tp,
		delegate:    delegate,
		clients:     newRegistry[ClientTransactionKey, ClientTransaction](),
		servers:     newRegistry[string, *userAgentServer](),
		dialogs:     newRegistry[string, dialogHandler](),
		subscribers: newRegistry[string, *SubscribeUserAgentClient](),
	}
	if cfg != nil {
		c.cfg = *cfg
	}
	if err := c.cfg.Timings.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if c.delegate == nil {
		c.delegate = &UserAgentCoreDelegate{}
	}

	c.log = c.cfg.Log
	if c.log == nil {
		c.log = log.Default()
	}
	c.exec = c.cfg.Executor
	if c.exec == nil {
		c.ownExec = NewSerialExecutor()
		c.exec = c.ownExec
	}
	c.sched = c.cfg.Scheduler
	if c.sched == nil {
		c.sched = timeutil.NewScheduler(c.exec.Execute)
	}
	c.metrics = c.cfg.Metrics
	return c, nil
}

// Configuration returns a copy of the core configuration.
func (c *UserAgentCore) Configuration() UserAgentCoreConfiguration { return c.cfg }

// Transport returns the transport of the core.
func (c *UserAgentCore) Transport() Transport { return c.tp }

// Executor returns the executor every call into the core must go through.
func (c *UserAgentCore) Executor() Executor { return c.exec }

// Stats returns the sizes of the core registries.
func (c *UserAgentCore) Stats() UserAgentCoreStats {
	return UserAgentCoreStats{
		ClientTransactions: c.clients.len(),
		ServerTransactions: c.servers.len(),
		Dialogs:            c.dialogs.len(),
		Subscribers:        c.subscribers.len(),
	}
}

func (c *UserAgentCore) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("aor", c.cfg.AOR.String()),
		slog.String("transport", c.tp.Protocol()),
	)
}

func (c *UserAgentCore) txOpts() *TransactionOptions {
	return &TransactionOptions{
		Timings:   c.cfg.Timings,
		Scheduler: c.sched,
		Log:       c.log,
	}
}

func (c *UserAgentCore) timings() *TimingConfig { return c.cfg.Timings }

func (c *UserAgentCore) contact() NameAddr {
	if c.cfg.Contact.URI.IsZero() {
		return NameAddr{URI: c.cfg.AOR.Clone()}
	}
	return c.cfg.Contact
}

func (c *UserAgentCore) outgoingRequestOptions() *OutgoingRequestOptions {
	return &OutgoingRequestOptions{
		FromDisplayName: c.cfg.DisplayName,
		ViaHost:         c.cfg.ViaHost,
		ForceRport:      c.cfg.ViaForceRport,
		OptionTags:      slices.Clone(c.cfg.SupportedOptionTags),
		UserAgent:       c.cfg.UserAgent,
		MaxForwards:     c.cfg.MaxForwards,
	}
}

// MakeOutgoingRequestMessage builds an out-of-dialog request with the core defaults.
// Empty options are filled from the configuration; dialog creating requests get a Contact header.
func (c *UserAgentCore) MakeOutgoingRequestMessage(
	method string,
	target, from, to URI,
	opts *OutgoingRequestOptions,
	extraHeaders Headers,
	body *Body,
) *OutgoingRequestMessage {
	def := c.outgoingRequestOptions()
	o := *def
	if opts != nil {
		o = *opts
		if o.FromDisplayName == "" {
			o.FromDisplayName = def.FromDisplayName
		}
		if o.ViaHost == "" {
			o.ViaHost = def.ViaHost
		}
		o.ForceRport = o.ForceRport || def.ForceRport
		if o.OptionTags == nil {
			o.OptionTags = def.OptionTags
		}
		if o.UserAgent == "" {
			o.UserAgent = def.UserAgent
		}
		if o.MaxForwards == 0 {
			o.MaxForwards = def.MaxForwards
		}
	}
	if from.IsZero() {
		from = c.cfg.AOR
	}

	req := NewOutgoingRequestMessage(method, target, from, to, &o, extraHeaders, body)
	if (isTargetRefresh(req.Method) || req.Method == MethodRegister) && !req.ExtraHeaders.Has("Contact") {
		req.SetHeader("Contact", c.contact().String())
	}
	return req
}

// send passes a message that is not owned by a transaction to the transport.
func (c *UserAgentCore) send(msg interface{ String() string }) {
	if err := c.tp.Send(msg.String()); err != nil {
		c.metrics.transportError()
		c.log.LogAttrs(c.ctx, slog.LevelWarn, "failed to send message", slog.Any("message", msg), slog.Any("error", err))
	}
}

// sendRequest sends a request that has no client transaction, such as the ACK of a 2xx.
func (c *UserAgentCore) sendRequest(req *OutgoingRequestMessage) {
	if req.Branch == "" {
		req.SetViaHeader(util.NewBranch(), c.tp.Protocol())
	}
	c.metrics.requestSent(req.Method)
	c.send(req)
}

// ReplyStateless sends a response without creating a server transaction (RFC 3261 8.2.7).
// Requests with ACK method are never answered, in which case nil is returned.
func (c *UserAgentCore) ReplyStateless(req *IncomingRequestMessage, opts ResponseOptions) *OutgoingResponse {
	return c.replyStateless(req, opts)
}

func (c *UserAgentCore) replyStateless(req *IncomingRequestMessage, opts ResponseOptions) *OutgoingResponse {
	if req.Method == MethodAck {
		return nil
	}
	if opts.UserAgent == "" {
		opts.UserAgent = c.cfg.UserAgent
	}
	if opts.SupportedOptionTags == nil {
		opts.SupportedOptionTags = c.cfg.SupportedOptionTags
	}
	res := ConstructOutgoingResponse(req, opts)

	c.log.LogAttrs(c.ctx, slog.LevelDebug, "reply stateless", slog.Any("request", req), slog.Any("response", res))

	c.metrics.responseSent(res.StatusCode)
	c.send(res)
	return res
}

func allowHeaders() Headers { return Headers{{"Allow", allowHeader()}} }

// Invite sends an INVITE request.
func (c *UserAgentCore) Invite(req *OutgoingRequestMessage, delegate *InviteUserAgentClientDelegate) (*InviteUserAgentClient, error) {
	if req == nil || req.Method != MethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	return errtrace.Wrap2(newInviteUserAgentClient(c, req, delegate))
}

// Message sends a MESSAGE request (RFC 3428).
func (c *UserAgentCore) Message(req *OutgoingRequestMessage, delegate *OutgoingRequestDelegate) (*MessageUserAgentClient, error) {
	uac, err := c.request(MethodMessage, req, delegate)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &MessageUserAgentClient{uac}, nil
}

// Publish sends a PUBLISH request (RFC 3903).
func (c *UserAgentCore) Publish(req *OutgoingRequestMessage, delegate *OutgoingRequestDelegate) (*PublishUserAgentClient, error) {
	uac, err := c.request(MethodPublish, req, delegate)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &PublishUserAgentClient{uac}, nil
}

// Register sends a REGISTER request.
func (c *UserAgentCore) Register(req *OutgoingRequestMessage, delegate *OutgoingRequestDelegate) (*RegisterUserAgentClient, error) {
	uac, err := c.request(MethodRegister, req, delegate)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &RegisterUserAgentClient{uac}, nil
}

// Subscribe sends a SUBSCRIBE request (RFC 6665).
func (c *UserAgentCore) Subscribe(req *OutgoingRequestMessage, delegate *SubscribeUserAgentClientDelegate) (*SubscribeUserAgentClient, error) {
	if req == nil || req.Method != MethodSubscribe {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	return errtrace.Wrap2(newSubscribeUserAgentClient(c, req, delegate))
}

// Request sends a request of any method except INVITE, ACK and CANCEL outside of a dialog.
func (c *UserAgentCore) Request(req *OutgoingRequestMessage, delegate *OutgoingRequestDelegate) (*UserAgentClient, error) {
	if req == nil || req.Method == MethodInvite || req.Method == MethodAck || req.Method == MethodCancel {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	uac, err := c.request(req.Method, req, delegate)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &UserAgentClient{uac}, nil
}

func (c *UserAgentCore) request(method string, req *OutgoingRequestMessage, delegate *OutgoingRequestDelegate) (*userAgentClient, error) {
	if req == nil || req.Method != method {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	uac := newUserAgentClient(c, req, delegate)
	if err := uac.init(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return uac, nil
}

// ReceiveIncomingResponseFromTransport routes a response to its client transaction.
// Responses nobody waits for are discarded.
func (c *UserAgentCore) ReceiveIncomingResponseFromTransport(res *IncomingResponseMessage) {
	// RFC 3261 8.1.3.3
	if res.ViaCount > 1 {
		c.log.LogAttrs(c.ctx, slog.LevelWarn, "response with more than one Via discarded", slog.Any("response", res))
		return
	}

	tx, ok := c.clients.get(ClientTransactionKeyOf(res))
	if !ok {
		c.log.LogAttrs(c.ctx, slog.LevelDebug, "unmatched response discarded", slog.Any("response", res))
		return
	}
	tx.ReceiveResponse(res)
}

// ReceiveIncomingRequestFromTransport routes a request to its server transaction, dialog
// or a new user agent server.
func (c *UserAgentCore) ReceiveIncomingRequestFromTransport(req *IncomingRequestMessage) {
	c.metrics.requestReceived(req.Method)

	// CANCEL shares the branch of the INVITE it cancels (RFC 3261 9.2)
	if req.Method == MethodCancel {
		c.receiveCancel(req)
		return
	}
	if uas, ok := c.servers.get(req.ViaBranch); ok {
		uas.tx.ReceiveRequest(req)
		return
	}
	c.receiveRequest(req)
}

func (c *UserAgentCore) receiveCancel(req *IncomingRequestMessage) {
	uas, ok := c.servers.get(req.ViaBranch)
	if !ok || uas.req.Method != MethodInvite {
		c.replyStateless(req, ResponseOptions{StatusCode: StatusCallTransactionDoesNotExist})
		return
	}

	c.replyStateless(req, ResponseOptions{StatusCode: StatusOK})
	if uas.cancel != nil {
		uas.cancel(req)
	}
}

func (c *UserAgentCore) receiveRequest(req *IncomingRequestMessage) {
	// RFC 3261 8.2.2
	if !req.RequestURI.IsSIP() {
		c.replyStateless(req, ResponseOptions{StatusCode: StatusUnsupportedURIScheme})
		return
	}
	if !isAllowedMethod(req.Method) {
		c.replyStateless(req, ResponseOptions{StatusCode: StatusMethodNotAllowed, ExtraHeaders: allowHeaders()})
		return
	}
	if !c.isOurUser(req.RequestURI.User) {
		c.log.LogAttrs(c.ctx, slog.LevelWarn, "request for unknown user", slog.Any("request", req))
		c.replyStateless(req, ResponseOptions{StatusCode: StatusNotFound})
		return
	}
	if req.Method != MethodAck && req.Method != MethodCancel {
		if unsupported := c.unsupportedOptionTags(req); len(unsupported) > 0 {
			c.replyStateless(req, ResponseOptions{
				StatusCode:   StatusBadExtension,
				ExtraHeaders: Headers{{"Unsupported", strings.Join(unsupported, ", ")}},
			})
			return
		}
	}

	if req.ToTag == "" {
		c.receiveOutsideDialogRequest(req)
	} else {
		c.receiveInsideDialogRequest(req)
	}
}

func (c *UserAgentCore) isOurUser(user string) bool {
	if c.cfg.AOR.IsZero() {
		return true
	}
	return user == c.cfg.AOR.User || user == c.contact().URI.User
}

func (c *UserAgentCore) unsupportedOptionTags(req *IncomingRequestMessage) []string {
	var unsupported []string
	for _, tag := range req.Headers.Values("Require") {
		if !util.ContainsFold(c.cfg.SupportedOptionTags, tag) {
			unsupported = append(unsupported, tag)
		}
	}
	return unsupported
}

func (c *UserAgentCore) receiveOutsideDialogRequest(req *IncomingRequestMessage) {
	// merged request (RFC 3261 8.2.2.2)
	if req.Method != MethodAck {
		if _, merged := c.servers.find(func(uas *userAgentServer) bool {
			return uas.req.CallID == req.CallID &&
				uas.req.FromTag == req.FromTag &&
				uas.req.CSeq == req.CSeq &&
				uas.req.ViaBranch != req.ViaBranch
		}); merged {
			c.log.LogAttrs(c.ctx, slog.LevelWarn, "merged request", slog.Any("request", req))
			c.replyStateless(req, ResponseOptions{StatusCode: StatusLoopDetected})
			return
		}
	}

	switch req.Method {
	case MethodAck:
		c.log.LogAttrs(c.ctx, slog.LevelDebug, "out of dialog ACK absorbed", slog.Any("request", req))
	case MethodBye, MethodPrack:
		c.replyStateless(req, ResponseOptions{StatusCode: StatusCallTransactionDoesNotExist})
	case MethodInfo:
		c.replyStateless(req, ResponseOptions{StatusCode: StatusMethodNotAllowed, ExtraHeaders: allowHeaders()})
	case MethodInvite:
		if !req.HasHeader("Contact") {
			c.replyStateless(req, ResponseOptions{StatusCode: StatusBadRequest, ReasonPhrase: "Missing Contact Header"})
			return
		}
		uas, err := newInviteUserAgentServer(c, req)
		if err != nil {
			c.rejectInvalid(req, err)
			return
		}
		if c.delegate.OnInvite != nil {
			c.delegate.OnInvite(uas)
		} else {
			uas.Reject(nil) //nolint:errcheck
		}
	case MethodMessage:
		uas, err := newMessageUserAgentServer(c, req)
		if err != nil {
			c.rejectInvalid(req, err)
			return
		}
		if c.delegate.OnMessage != nil {
			c.delegate.OnMessage(uas)
		} else {
			uas.Accept(nil) //nolint:errcheck
		}
	case MethodNotify:
		uas, err := newNotifyUserAgentServer(c, req)
		if err != nil {
			c.rejectInvalid(req, err)
			return
		}
		if c.delegate.OnNotify != nil {
			c.delegate.OnNotify(uas)
		} else {
			uas.Reject(&ResponseOptions{StatusCode: StatusMethodNotAllowed, ExtraHeaders: allowHeaders()}) //nolint:errcheck
		}
	case MethodOptions:
		c.answerOptions(req)
	case MethodRefer:
		uas, err := newReferUserAgentServer(c, req)
		if err != nil {
			c.rejectInvalid(req, err)
			return
		}
		if c.delegate.OnRefer != nil {
			c.delegate.OnRefer(uas)
		} else {
			uas.Reject(&ResponseOptions{StatusCode: StatusMethodNotAllowed, ExtraHeaders: allowHeaders()}) //nolint:errcheck
		}
	case MethodRegister:
		uas, err := newRegisterUserAgentServer(c, req)
		if err != nil {
			c.rejectInvalid(req, err)
			return
		}
		if c.delegate.OnRegister != nil {
			c.delegate.OnRegister(uas)
		} else {
			uas.Reject(&ResponseOptions{StatusCode: StatusMethodNotAllowed, ExtraHeaders: allowHeaders()}) //nolint:errcheck
		}
	case MethodSubscribe:
		uas, err := newSubscribeUserAgentServer(c, req)
		if err != nil {
			c.rejectInvalid(req, err)
			return
		}
		if c.delegate.OnSubscribe != nil {
			c.delegate.OnSubscribe(uas)
		} else {
			uas.Reject(nil) //nolint:errcheck
		}
	default:
		c.replyStateless(req, ResponseOptions{StatusCode: StatusMethodNotAllowed, ExtraHeaders: allowHeaders()})
	}
}

func (c *UserAgentCore) receiveInsideDialogRequest(req *IncomingRequestMessage) {
	if req.Method == MethodNotify {
		if !req.HasHeader("Event") || req.Event() == "" {
			c.replyStateless(req, ResponseOptions{StatusCode: StatusBadEvent})
			return
		}
		if sub, ok := c.subscribers.get(SubscriberID(req.CallID, req.ToTag, req.Event())); ok {
			sub.onNotify(req)
			return
		}
	}

	if d, ok := c.dialogs.get(DialogID(req.CallID, req.ToTag, req.FromTag)); ok {
		if req.Method == MethodOptions {
			c.answerOptions(req)
			return
		}
		d.receiveRequest(req)
		return
	}

	switch req.Method {
	case MethodAck:
		c.log.LogAttrs(c.ctx, slog.LevelDebug, "ACK without dialog absorbed", slog.Any("request", req))
	case MethodOptions:
		c.answerOptions(req)
	default:
		c.replyStateless(req, ResponseOptions{StatusCode: StatusCallTransactionDoesNotExist})
	}
}

func (c *UserAgentCore) answerOptions(req *IncomingRequestMessage) {
	uas, err := newUserAgentServer(c, req)
	if err != nil {
		c.rejectInvalid(req, err)
		return
	}
	hdrs := allowHeaders()
	hdrs.Add("Accept", "application/sdp")
	uas.Accept(&ResponseOptions{ExtraHeaders: hdrs}) //nolint:errcheck
}

func (c *UserAgentCore) rejectInvalid(req *IncomingRequestMessage, err error) {
	c.log.LogAttrs(c.ctx, slog.LevelWarn, "invalid request", slog.Any("request", req), slog.Any("error", err))
	c.replyStateless(req, ResponseOptions{StatusCode: StatusBadRequest})
}

// Reset disposes every transaction, dialog and subscriber of the core.
func (c *UserAgentCore) Reset() {
	c.log.LogAttrs(c.ctx, slog.LevelDebug, "reset user agent core", slog.Any("stats", log.FmtValue(c.Stats())))
	for _, sub := range c.subscribers.values() {
		sub.Dispose()
	}
	for _, d := range c.dialogs.values() {
		d.Dispose()
	}
	for _, uas := range c.servers.values() {
		uas.Dispose()
	}
	for key, tx := range c.clients.items {
		tx.Dispose()
		if c.clients.delete(key) {
			c.metrics.transactionFinished(tx.Type())
		}
	}
}

// Dispose resets the core and stops the executor it owns. It is idempotent.
func (c *UserAgentCore) Dispose() {
	if c.disposed {
		return
	}
	c.disposed = true
	c.Reset()
	if c.ownExec != nil {
		// Dispose may run on the executor goroutine, Close waits for it to return.
		go c.ownExec.Close()
	}
	c.log.LogAttrs(c.ctx, slog.LevelDebug, "user agent core disposed", slog.Any("core", c))
}
