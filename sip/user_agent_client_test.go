package sip_test

import (
	"strings"
	"testing"

	"github.com/icholy/digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ghettovoice/sipua/sip"
)

const digestChallenge = `Digest realm="example.com", nonce="8f2b1c", algorithm=MD5`

func newMessage(core *sip.UserAgentCore) *sip.OutgoingRequestMessage {
	return core.MakeOutgoingRequestMessage(
		sip.MethodMessage,
		sip.MustParseURI("sip:bob@example.com"),
		sip.URI{},
		sip.MustParseURI("sip:bob@example.com"),
		nil,
		nil,
		&sip.Body{ContentType: "text/plain", Content: []byte("hello")},
	)
}

func TestUserAgentClient_AuthenticationRetry(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, _ := newTestCore(t, tp, nil, func(cfg *sip.UserAgentCoreConfiguration) {
		cfg.Authenticator = sip.NewDigestAuthenticator("alice", "secret")
	})

	var accepted, rejected int
	if _, err := core.Message(newMessage(core), &sip.OutgoingRequestDelegate{
		OnAccept: func(*sip.IncomingResponseMessage) { accepted++ },
		OnReject: func(*sip.IncomingResponseMessage) { rejected++ },
	}); err != nil {
		t.Fatalf("core.Message() error = %v, want nil", err)
	}
	first := tp.lastWire(t, "MESSAGE ")

	core.ReceiveIncomingResponseFromTransport(respondTo(t, first, sip.StatusUnauthorized, "bob-tag",
		sip.Header{Name: "WWW-Authenticate", Value: digestChallenge}))

	if rejected != 0 {
		t.Fatalf("OnReject calls = %d, want 0", rejected)
	}
	msgs := tp.sentWire(t, "MESSAGE ")
	if len(msgs) != 2 {
		t.Fatalf("sent MESSAGE count = %d, want 2", len(msgs))
	}
	retry := msgs[1]
	if retry.hdrs.Get("Via") == first.hdrs.Get("Via") {
		t.Fatalf("retried MESSAGE Via = %q, want new branch", retry.hdrs.Get("Via"))
	}
	if got, want := retry.hdrs.Get("Call-ID"), first.hdrs.Get("Call-ID"); got != want {
		t.Fatalf("retried MESSAGE Call-ID = %q, want %q", got, want)
	}
	if got, want := strings.Fields(retry.hdrs.Get("CSeq"))[0], strings.Fields(first.hdrs.Get("CSeq"))[0]; got == want {
		t.Fatalf("retried MESSAGE CSeq = %q, want incremented", got)
	}
	cred, err := digest.ParseCredentials(retry.hdrs.Get("Authorization"))
	if err != nil {
		t.Fatalf("digest.ParseCredentials() error = %v, want nil", err)
	}
	if cred.Username != "alice" || cred.Realm != "example.com" || cred.Nonce != "8f2b1c" {
		t.Fatalf("credentials = %+v, want alice@example.com with nonce 8f2b1c", cred)
	}

	// a second challenge for the same request is passed on
	core.ReceiveIncomingResponseFromTransport(respondTo(t, retry, sip.StatusUnauthorized, "bob-tag",
		sip.Header{Name: "WWW-Authenticate", Value: digestChallenge}))
	if rejected != 1 {
		t.Fatalf("OnReject calls = %d, want 1", rejected)
	}
	if got, want := tp.count("MESSAGE "), 2; got != want {
		t.Fatalf("sent MESSAGE count = %d, want %d", got, want)
	}
	// the first transaction no longer feeds the user agent
	core.ReceiveIncomingResponseFromTransport(respondTo(t, first, sip.StatusOK, "bob-tag"))
	if accepted != 0 {
		t.Fatalf("OnAccept calls = %d, want 0", accepted)
	}
}

func TestUserAgentClient_InviteAuthenticationAck(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, _ := newTestCore(t, tp, nil, func(cfg *sip.UserAgentCoreConfiguration) {
		cfg.Authenticator = sip.NewDigestAuthenticator("alice", "secret")
	})

	var rejected int
	if _, err := core.Invite(newInvite(core, sip.NewSessionBody([]byte(offerSDP))), &sip.InviteUserAgentClientDelegate{
		OnReject: func(*sip.IncomingResponseMessage) { rejected++ },
	}); err != nil {
		t.Fatalf("core.Invite() error = %v, want nil", err)
	}
	first := tp.lastWire(t, "INVITE ")

	core.ReceiveIncomingResponseFromTransport(respondTo(t, first, sip.StatusProxyAuthRequired, "proxy-tag",
		sip.Header{Name: "Proxy-Authenticate", Value: digestChallenge}))

	if rejected != 0 {
		t.Fatalf("OnReject calls = %d, want 0", rejected)
	}
	invites := tp.sentWire(t, "INVITE ")
	if len(invites) != 2 {
		t.Fatalf("sent INVITE count = %d, want 2", len(invites))
	}
	retry := invites[1]
	if got, want := retry.hdrs.Get("CSeq"), "2 INVITE"; got != want {
		t.Fatalf("retried INVITE CSeq = %q, want %q", got, want)
	}
	if retry.hdrs.Get("Via") == first.hdrs.Get("Via") {
		t.Fatalf("retried INVITE Via = %q, want new branch", retry.hdrs.Get("Via"))
	}
	if !retry.hdrs.Has("Proxy-Authorization") {
		t.Fatal("retried INVITE without Proxy-Authorization")
	}

	// the 407 is acknowledged within the challenged transaction
	acks := tp.sentWire(t, "ACK ")
	if len(acks) != 1 {
		t.Fatalf("sent ACK count = %d, want 1", len(acks))
	}
	ack := acks[0]
	if got, want := ack.hdrs.Get("Via"), first.hdrs.Get("Via"); got != want {
		t.Fatalf("ACK Via = %q, want %q", got, want)
	}
	if got, want := ack.hdrs.Get("CSeq"), "1 ACK"; got != want {
		t.Fatalf("ACK CSeq = %q, want %q", got, want)
	}
	if ack.hdrs.Has("Proxy-Authorization") {
		t.Fatal("ACK carries Proxy-Authorization of the retry")
	}
	if got, want := ack.toTag(t), "proxy-tag"; got != want {
		t.Fatalf("ACK To tag = %q, want %q", got, want)
	}

	// a retransmitted 407 is answered with the same ACK
	core.ReceiveIncomingResponseFromTransport(respondTo(t, first, sip.StatusProxyAuthRequired, "proxy-tag",
		sip.Header{Name: "Proxy-Authenticate", Value: digestChallenge}))
	acks = tp.sentWire(t, "ACK ")
	if len(acks) != 2 {
		t.Fatalf("sent ACK count = %d, want 2", len(acks))
	}
	if got, want := acks[1].hdrs.Get("CSeq"), "1 ACK"; got != want {
		t.Fatalf("resent ACK CSeq = %q, want %q", got, want)
	}
	if got, want := tp.count("INVITE "), 2; got != want {
		t.Fatalf("sent INVITE count = %d, want %d", got, want)
	}
}

func TestUserAgentClient_StaleNonce(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, _ := newTestCore(t, tp, nil, func(cfg *sip.UserAgentCoreConfiguration) {
		cfg.Authenticator = sip.NewDigestAuthenticator("alice", "secret")
	})

	var accepted int
	if _, err := core.Message(newMessage(core), &sip.OutgoingRequestDelegate{
		OnAccept: func(*sip.IncomingResponseMessage) { accepted++ },
	}); err != nil {
		t.Fatalf("core.Message() error = %v, want nil", err)
	}

	core.ReceiveIncomingResponseFromTransport(respondTo(t, tp.lastWire(t, "MESSAGE "), sip.StatusProxyAuthRequired, "",
		sip.Header{Name: "Proxy-Authenticate", Value: digestChallenge}))
	core.ReceiveIncomingResponseFromTransport(respondTo(t, tp.lastWire(t, "MESSAGE "), sip.StatusProxyAuthRequired, "",
		sip.Header{Name: "Proxy-Authenticate", Value: `Digest realm="example.com", nonce="9a0c2d", algorithm=MD5, stale=true`}))

	msgs := tp.sentWire(t, "MESSAGE ")
	if len(msgs) != 3 {
		t.Fatalf("sent MESSAGE count = %d, want 3", len(msgs))
	}
	cred, err := digest.ParseCredentials(msgs[2].hdrs.Get("Proxy-Authorization"))
	if err != nil {
		t.Fatalf("digest.ParseCredentials() error = %v, want nil", err)
	}
	if got, want := cred.Nonce, "9a0c2d"; got != want {
		t.Fatalf("credentials nonce = %q, want %q", got, want)
	}

	core.ReceiveIncomingResponseFromTransport(respondTo(t, msgs[2], sip.StatusOK, "bob-tag"))
	if accepted != 1 {
		t.Fatalf("OnAccept calls = %d, want 1", accepted)
	}
}

func TestUserAgentClient_Metrics(t *testing.T) {
	t.Parallel()

	m, err := sip.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("sip.NewMetrics() error = %v, want nil", err)
	}

	tp := newStubTransport("UDP")
	core, sched := newTestCore(t, tp, nil, func(cfg *sip.UserAgentCoreConfiguration) {
		cfg.Metrics = m
	})

	if _, err := core.Message(newMessage(core), nil); err != nil {
		t.Fatalf("core.Message() error = %v, want nil", err)
	}
	clientTxs := m.Transactions.WithLabelValues(string(sip.TransactionTypeClientNonInvite))
	if got, want := testutil.ToFloat64(clientTxs), 1.0; got != want {
		t.Fatalf("client transactions = %v, want %v", got, want)
	}
	if got, want := testutil.ToFloat64(m.RequestsSent.WithLabelValues(sip.MethodMessage)), 1.0; got != want {
		t.Fatalf("MESSAGE requests sent = %v, want %v", got, want)
	}

	core.ReceiveIncomingResponseFromTransport(respondTo(t, tp.lastWire(t, "MESSAGE "), sip.StatusOK, "bob-tag"))
	if got, want := testutil.ToFloat64(m.ResponsesReceived.WithLabelValues("2xx")), 1.0; got != want {
		t.Fatalf("2xx responses received = %v, want %v", got, want)
	}

	core.ReceiveIncomingRequestFromTransport(newInReq(t, sip.MethodOptions, "z9hG4bK.options", 1))
	if got, want := testutil.ToFloat64(m.RequestsReceived.WithLabelValues(sip.MethodOptions)), 1.0; got != want {
		t.Fatalf("OPTIONS requests received = %v, want %v", got, want)
	}
	if got, want := testutil.ToFloat64(m.ResponsesSent.WithLabelValues("2xx")), 1.0; got != want {
		t.Fatalf("2xx responses sent = %v, want %v", got, want)
	}

	sched.Advance(64 * sip.T1)
	if got := testutil.ToFloat64(clientTxs); got != 0 {
		t.Fatalf("client transactions after timeout = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Transactions.WithLabelValues(string(sip.TransactionTypeServerNonInvite))); got != 0 {
		t.Fatalf("server transactions after timeout = %v, want 0", got)
	}
	if got := core.Stats(); got.ClientTransactions != 0 || got.ServerTransactions != 0 {
		t.Fatalf("core.Stats() = %+v, want no transactions", got)
	}
}
