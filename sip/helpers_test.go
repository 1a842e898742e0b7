package sip_test

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/log"
	"github.com/ghettovoice/sipua/sip"
)

type stubTransport struct {
	proto string

	mu   sync.Mutex
	sent []string
	err  error
}

func newStubTransport(proto string) *stubTransport { return &stubTransport{proto: proto} }

func (tp *stubTransport) Protocol() string { return tp.proto }

func (*stubTransport) IsConnected() bool { return true }

func (tp *stubTransport) Send(msg string) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.sent = append(tp.sent, msg)
	return tp.err
}

func (tp *stubTransport) setErr(err error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.err = err
}

func (tp *stubTransport) messages() []string {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]string(nil), tp.sent...)
}

// count returns the number of sent messages whose start line begins with prefix.
func (tp *stubTransport) count(prefix string) int {
	var n int
	for _, msg := range tp.messages() {
		if strings.HasPrefix(msg, prefix) {
			n++
		}
	}
	return n
}

func (tp *stubTransport) last() string {
	msgs := tp.messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func (tp *stubTransport) reset() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.sent = nil
}

type txUserRecorder struct {
	states    []sip.TransactionState
	responses []*sip.IncomingResponseMessage
	tpErrs    []error
	timeouts  int
}

func (u *txUserRecorder) OnStateChange(state sip.TransactionState) {
	u.states = append(u.states, state)
}

func (u *txUserRecorder) OnTransportError(err error) { u.tpErrs = append(u.tpErrs, err) }

func (u *txUserRecorder) ReceiveResponse(res *sip.IncomingResponseMessage) {
	u.responses = append(u.responses, res)
}

func (u *txUserRecorder) OnRequestTimeout() { u.timeouts++ }

func (u *txUserRecorder) OnTransactionTimeout() { u.timeouts++ }

func newTxOpts(sched sip.Scheduler) *sip.TransactionOptions {
	return &sip.TransactionOptions{Scheduler: sched, Log: log.Noop()}
}

func newManualScheduler() *timeutil.ManualScheduler { return timeutil.NewManualScheduler(time.Time{}) }

func newOutReq(method string) *sip.OutgoingRequestMessage {
	return sip.NewOutgoingRequestMessage(
		method,
		sip.MustParseURI("sip:bob@example.com"),
		sip.MustParseURI("sip:alice@example.com"),
		sip.MustParseURI("sip:bob@example.com"),
		&sip.OutgoingRequestOptions{CallID: "call-1", FromTag: "alice-tag", ViaHost: "client.invalid"},
		nil,
		nil,
	)
}

// newInRes builds the response a peer would send to req.
func newInRes(
	t *testing.T,
	req *sip.OutgoingRequestMessage,
	code int,
	toTag string,
	extra ...sip.Header,
) *sip.IncomingResponseMessage {
	t.Helper()

	to := req.To
	if toTag != "" {
		to = to.WithTag(toTag)
	}
	hdrs := sip.Headers{
		{Name: "Via", Value: req.Via().String()},
		{Name: "From", Value: req.From.String()},
		{Name: "To", Value: to.String()},
		{Name: "Call-ID", Value: req.CallID},
		{Name: "CSeq", Value: strconv.FormatUint(uint64(req.CSeq), 10) + " " + req.Method},
	}
	hdrs = append(hdrs, extra...)

	res, err := sip.NewIncomingResponseMessage(code, sip.ReasonPhrase(code), hdrs, nil)
	if err != nil {
		t.Fatalf("sip.NewIncomingResponseMessage(%d) error = %v, want nil", code, err)
	}
	return res
}

// newInReq builds a request sent by bob to alice.
// Extra headers replace the default ones with the same name.
func newInReq(t *testing.T, method, branch string, cseq uint32, extra ...sip.Header) *sip.IncomingRequestMessage {
	t.Helper()

	cseqMethod := method
	if method == sip.MethodAck {
		cseqMethod = sip.MethodInvite
	}
	hdrs := sip.Headers{
		{Name: "Via", Value: "SIP/2.0/UDP 10.0.0.2:5060;branch=" + branch},
		{Name: "Max-Forwards", Value: "70"},
		{Name: "From", Value: "<sip:bob@example.com>;tag=bob-tag"},
		{Name: "To", Value: "<sip:alice@example.com>"},
		{Name: "Call-ID", Value: "call-2"},
		{Name: "CSeq", Value: strconv.FormatUint(uint64(cseq), 10) + " " + cseqMethod},
		{Name: "Contact", Value: "<sip:bob@10.0.0.2:5060>"},
	}
	for _, h := range extra {
		if h.Value == "" {
			hdrs.Del(h.Name)
			continue
		}
		hdrs.Set(h.Name, h.Value)
	}

	req, err := sip.NewIncomingRequestMessage(method, sip.MustParseURI("sip:alice@example.com"), hdrs, nil)
	if err != nil {
		t.Fatalf("sip.NewIncomingRequestMessage(%q) error = %v, want nil", method, err)
	}
	return req
}
