package sip_test

import (
	"strings"
	"testing"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/log"
	"github.com/ghettovoice/sipua/sip"
)

// wireMsg is a message captured from the stub transport.
type wireMsg struct {
	start string
	hdrs  sip.Headers
	body  string
}

func parseWire(t *testing.T, msg string) wireMsg {
	t.Helper()

	head, body, ok := strings.Cut(msg, "\r\n\r\n")
	if !ok {
		t.Fatalf("message without header terminator: %q", msg)
	}
	lines := strings.Split(head, "\r\n")
	w := wireMsg{start: lines[0], body: body}
	for _, l := range lines[1:] {
		name, val, ok := strings.Cut(l, ":")
		if !ok {
			t.Fatalf("malformed header line %q", l)
		}
		w.hdrs.Add(strings.TrimSpace(name), strings.TrimSpace(val))
	}
	return w
}

// sent returns the captured messages whose start line begins with prefix.
func (tp *stubTransport) sentWire(t *testing.T, prefix string) []wireMsg {
	t.Helper()

	var msgs []wireMsg
	for _, msg := range tp.messages() {
		if strings.HasPrefix(msg, prefix) {
			msgs = append(msgs, parseWire(t, msg))
		}
	}
	return msgs
}

func (tp *stubTransport) lastWire(t *testing.T, prefix string) wireMsg {
	t.Helper()

	msgs := tp.sentWire(t, prefix)
	if len(msgs) == 0 {
		t.Fatalf("no message %q sent, sent = %q", prefix, tp.messages())
	}
	return msgs[len(msgs)-1]
}

func (w wireMsg) toTag(t *testing.T) string {
	t.Helper()

	na, err := sip.ParseNameAddr(w.hdrs.Get("To"))
	if err != nil {
		t.Fatalf("sip.ParseNameAddr(%q) error = %v, want nil", w.hdrs.Get("To"), err)
	}
	return na.Tag()
}

// respondTo builds the response a peer would send to the captured request.
func respondTo(t *testing.T, req wireMsg, code int, toTag string, extra ...sip.Header) *sip.IncomingResponseMessage {
	t.Helper()

	to := req.hdrs.Get("To")
	if toTag != "" && !strings.Contains(to, ";tag=") {
		to += ";tag=" + toTag
	}
	hdrs := sip.Headers{
		{Name: "Via", Value: req.hdrs.Get("Via")},
		{Name: "From", Value: req.hdrs.Get("From")},
		{Name: "To", Value: to},
		{Name: "Call-ID", Value: req.hdrs.Get("Call-ID")},
		{Name: "CSeq", Value: req.hdrs.Get("CSeq")},
	}
	var content []byte
	seen := make(map[string]bool)
	for _, h := range extra {
		if h.Name == "Body" {
			content = []byte(h.Value)
			hdrs.Set("Content-Type", "application/sdp")
			continue
		}
		// repeated extra headers are appended, Record-Route hops for instance
		if seen[h.Name] {
			hdrs.Add(h.Name, h.Value)
			continue
		}
		seen[h.Name] = true
		hdrs.Set(h.Name, h.Value)
	}

	res, err := sip.NewIncomingResponseMessage(code, sip.ReasonPhrase(code), hdrs, content)
	if err != nil {
		t.Fatalf("sip.NewIncomingResponseMessage(%d) error = %v, want nil", code, err)
	}
	return res
}

// withSDP attaches an SDP payload to an incoming request.
func withSDP(req *sip.IncomingRequestMessage, sdp string) *sip.IncomingRequestMessage {
	req.Headers.Set("Content-Type", "application/sdp")
	req.Content = []byte(sdp)
	return req
}

// sdpBody is the Body pseudo header understood by respondTo.
func sdpBody(sdp string) sip.Header { return sip.Header{Name: "Body", Value: sdp} }

const contactHdr = "<sip:bob@10.0.0.2:5060>"

func newTestCore(
	t *testing.T,
	tp sip.Transport,
	delegate *sip.UserAgentCoreDelegate,
	configure ...func(cfg *sip.UserAgentCoreConfiguration),
) (*sip.UserAgentCore, *timeutil.ManualScheduler) {
	t.Helper()

	sched := newManualScheduler()
	cfg := &sip.UserAgentCoreConfiguration{
		AOR:       sip.MustParseURI("sip:alice@example.com"),
		Contact:   sip.NameAddr{URI: sip.MustParseURI("sip:alice@client.invalid;transport=ws")},
		UserAgent: "sipua-test",
		ViaHost:   "client.invalid",
		Executor:  sip.InlineExecutor{},
		Scheduler: sched,
		Log:       log.Noop(),
	}
	for _, fn := range configure {
		fn(cfg)
	}
	core, err := sip.NewUserAgentCore(tp, cfg, delegate)
	if err != nil {
		t.Fatalf("sip.NewUserAgentCore() error = %v, want nil", err)
	}
	t.Cleanup(core.Dispose)
	return core, sched
}

func newInvite(core *sip.UserAgentCore, body *sip.Body) *sip.OutgoingRequestMessage {
	return core.MakeOutgoingRequestMessage(
		sip.MethodInvite,
		sip.MustParseURI("sip:bob@example.com"),
		sip.URI{},
		sip.MustParseURI("sip:bob@example.com"),
		nil,
		nil,
		body,
	)
}
