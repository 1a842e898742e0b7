package sip_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipua/sdp"
	"github.com/ghettovoice/sipua/sip"
)

const (
	offerSDP  = "v=0\r\no=bob 1 1 IN IP4 10.0.0.2\r\ns=-\r\nc=IN IP4 10.0.0.2\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n"
	answerSDP = "v=0\r\no=alice 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 5000 RTP/AVP 0\r\n"
)

// acceptIncomingInvite drives an INVITE with an offer from bob up to the 2xx sent by alice.
func acceptIncomingInvite(t *testing.T, tp *stubTransport, core *sip.UserAgentCore, uas **sip.InviteUserAgentServer) (*sip.SessionDialog, string) {
	t.Helper()

	core.ReceiveIncomingRequestFromTransport(withSDP(newInReq(t, sip.MethodInvite, "z9hG4bK.inv-1", 1), offerSDP))
	if *uas == nil {
		t.Fatal("OnInvite not called")
	}
	if _, err := (*uas).Accept(&sip.ResponseOptions{Body: sip.NewSessionBody([]byte(answerSDP))}); err != nil {
		t.Fatalf("uas.Accept() error = %v, want nil", err)
	}
	return (*uas).Session(), tp.lastWire(t, "SIP/2.0 200 ").toTag(t)
}

func inDialogReq(t *testing.T, method, branch string, cseq uint32, toTag string, extra ...sip.Header) *sip.IncomingRequestMessage {
	t.Helper()

	extra = append([]sip.Header{{Name: "To", Value: "<sip:alice@example.com>;tag=" + toTag}}, extra...)
	return newInReq(t, method, branch, cseq, extra...)
}

func TestInviteUserAgentServer_AcceptAndAck(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	var uas *sip.InviteUserAgentServer
	core, sched := newTestCore(t, tp, &sip.UserAgentCoreDelegate{
		OnInvite: func(s *sip.InviteUserAgentServer) { uas = s },
	})

	core.ReceiveIncomingRequestFromTransport(withSDP(newInReq(t, sip.MethodInvite, "z9hG4bK.inv-1", 1), offerSDP))
	if _, err := uas.Accept(nil); !errors.Is(err, sip.ErrAnswerRequired) {
		t.Fatalf("uas.Accept(nil) error = %v, want %v", err, sip.ErrAnswerRequired)
	}
	if _, err := uas.Accept(&sip.ResponseOptions{Body: sip.NewSessionBody([]byte(answerSDP))}); err != nil {
		t.Fatalf("uas.Accept() error = %v, want nil", err)
	}

	session := uas.Session()
	if got, want := session.SessionState(), sip.SessionStateAckWait; got != want {
		t.Fatalf("session.SessionState() = %q, want %q", got, want)
	}
	if got, want := session.SignalingState(), sip.SignalingStateStable; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}
	ok := tp.lastWire(t, "SIP/2.0 200 ")
	if got := ok.hdrs.Get("Contact"); !strings.Contains(got, "sip:alice@client.invalid") {
		t.Fatalf("200 Contact = %q, want local contact", got)
	}

	// 2xx retransmitted by the session at T1, 2*T1...
	sched.Advance(sip.T1)
	sched.Advance(2 * sip.T1)
	if got, want := tp.count("SIP/2.0 200 "), 3; got != want {
		t.Fatalf("sent 200 count = %d, want %d", got, want)
	}

	var acked int
	session.Delegate = &sip.SessionDelegate{OnAck: func(*sip.IncomingRequestMessage) { acked++ }}
	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodAck, "z9hG4bK.ack-1", 1, ok.toTag(t)))

	if acked != 1 {
		t.Fatalf("OnAck calls = %d, want 1", acked)
	}
	if got, want := session.SessionState(), sip.SessionStateConfirmed; got != want {
		t.Fatalf("session.SessionState() = %q, want %q", got, want)
	}

	tp.reset()
	sched.Advance(64 * sip.T1)
	if got := tp.count("SIP/2.0 200 "); got != 0 {
		t.Fatalf("sent 200 count after ACK = %d, want 0", got)
	}
	if got := tp.count("BYE "); got != 0 {
		t.Fatalf("sent BYE count after ACK = %d, want 0", got)
	}
	if got, want := core.Stats().Dialogs, 1; got != want {
		t.Fatalf("core.Stats().Dialogs = %d, want %d", got, want)
	}
}

func TestInviteUserAgentServer_AckTimeout(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	var uas *sip.InviteUserAgentServer
	core, sched := newTestCore(t, tp, &sip.UserAgentCoreDelegate{
		OnInvite: func(s *sip.InviteUserAgentServer) { uas = s },
	})
	session, _ := acceptIncomingInvite(t, tp, core, &uas)

	sched.Advance(64 * sip.T1)

	if got, want := tp.count("BYE "), 1; got != want {
		t.Fatalf("sent BYE count = %d, want %d", got, want)
	}
	if got, want := session.SessionState(), sip.SessionStateTerminated; got != want {
		t.Fatalf("session.SessionState() = %q, want %q", got, want)
	}
	if got, want := session.SignalingState(), sip.SignalingStateClosed; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}
	if session.Offer() != nil || session.Answer() != nil {
		t.Fatalf("session.Offer(), session.Answer() = %v, %v, want nil, nil", session.Offer(), session.Answer())
	}
	if got, want := core.Stats().Dialogs, 0; got != want {
		t.Fatalf("core.Stats().Dialogs = %d, want %d", got, want)
	}

	tp.reset()
	sched.Advance(64 * sip.T1)
	if got := tp.count("SIP/2.0 200 "); got != 0 {
		t.Fatalf("sent 200 count after timeout = %d, want 0", got)
	}
}

func TestInviteUserAgentServer_OfferInAckMissing(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	var uas *sip.InviteUserAgentServer
	core, _ := newTestCore(t, tp, &sip.UserAgentCoreDelegate{
		OnInvite: func(s *sip.InviteUserAgentServer) { uas = s },
	})

	core.ReceiveIncomingRequestFromTransport(newInReq(t, sip.MethodInvite, "z9hG4bK.inv-nooffer", 1))
	if _, err := uas.Accept(nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("uas.Accept(nil) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if _, err := uas.Accept(&sip.ResponseOptions{Body: sip.NewSessionBody([]byte(answerSDP))}); err != nil {
		t.Fatalf("uas.Accept() error = %v, want nil", err)
	}
	session := uas.Session()
	if got, want := session.SignalingState(), sip.SignalingStateHaveLocalOffer; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}

	toTag := tp.lastWire(t, "SIP/2.0 200 ").toTag(t)
	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodAck, "z9hG4bK.ack-nooffer", 1, toTag))

	if got, want := tp.count("BYE "), 1; got != want {
		t.Fatalf("sent BYE count = %d, want %d", got, want)
	}
	if got, want := session.SessionState(), sip.SessionStateTerminated; got != want {
		t.Fatalf("session.SessionState() = %q, want %q", got, want)
	}
}

func TestInviteUserAgentServer_Cancel(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	var (
		uas       *sip.InviteUserAgentServer
		cancelled int
	)
	core, _ := newTestCore(t, tp, &sip.UserAgentCoreDelegate{
		OnInvite: func(s *sip.InviteUserAgentServer) {
			uas = s
			uas.Delegate = &sip.IncomingRequestDelegate{
				OnCancel: func(*sip.IncomingRequestMessage) { cancelled++ },
			}
			if _, err := uas.Progress(nil); err != nil {
				t.Errorf("uas.Progress() error = %v, want nil", err)
			}
		},
	})

	core.ReceiveIncomingRequestFromTransport(newInReq(t, sip.MethodInvite, "z9hG4bK.inv-cancel", 1))
	if got, want := uas.Session().SessionState(), sip.SessionStateEarly; got != want {
		t.Fatalf("session.SessionState() = %q, want %q", got, want)
	}

	tp.reset()
	core.ReceiveIncomingRequestFromTransport(newInReq(t, sip.MethodCancel, "z9hG4bK.inv-cancel", 1))

	msgs := tp.messages()
	if len(msgs) != 2 || !strings.HasPrefix(msgs[0], "SIP/2.0 200 ") || !strings.HasPrefix(msgs[1], "SIP/2.0 487 ") {
		t.Fatalf("sent messages = %q, want 200 to CANCEL then 487", msgs)
	}
	if cancelled != 1 {
		t.Fatalf("OnCancel calls = %d, want 1", cancelled)
	}
	if got, want := uas.Session().SessionState(), sip.SessionStateTerminated; got != want {
		t.Fatalf("session.SessionState() = %q, want %q", got, want)
	}
	if got, want := core.Stats().Dialogs, 0; got != want {
		t.Fatalf("core.Stats().Dialogs = %d, want %d", got, want)
	}
	if _, err := uas.Accept(&sip.ResponseOptions{Body: sip.NewSessionBody([]byte(answerSDP))}); !errors.Is(err, sip.ErrTransactionState) {
		t.Fatalf("uas.Accept() after CANCEL error = %v, want %v", err, sip.ErrTransactionState)
	}
}

func TestInviteUserAgentServer_ReliableProgress(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	var uas *sip.InviteUserAgentServer
	core, sched := newTestCore(t, tp, &sip.UserAgentCoreDelegate{
		OnInvite: func(s *sip.InviteUserAgentServer) { uas = s },
	}, func(cfg *sip.UserAgentCoreConfiguration) {
		cfg.SupportedOptionTags = []string{"100rel"}
	})

	core.ReceiveIncomingRequestFromTransport(withSDP(
		newInReq(t, sip.MethodInvite, "z9hG4bK.inv-100rel", 1, sip.Header{Name: "Supported", Value: "100rel"}),
		offerSDP,
	))
	if _, err := uas.ProgressReliable(&sip.ResponseOptions{Body: sip.NewSessionBody([]byte(answerSDP))}); err != nil {
		t.Fatalf("uas.ProgressReliable() error = %v, want nil", err)
	}
	if _, err := uas.ProgressReliable(nil); !errors.Is(err, sip.ErrActionNotAllowed) {
		t.Fatalf("second uas.ProgressReliable() error = %v, want %v", err, sip.ErrActionNotAllowed)
	}

	progress := tp.lastWire(t, "SIP/2.0 183 ")
	if got, want := progress.hdrs.Get("Require"), "100rel"; got != want {
		t.Fatalf("183 Require = %q, want %q", got, want)
	}
	rseq := progress.hdrs.Get("RSeq")
	if rseq == "" {
		t.Fatal("183 without RSeq")
	}
	if got, want := uas.Session().SignalingState(), sip.SignalingStateStable; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}

	sched.Advance(sip.T1)
	if got, want := tp.count("SIP/2.0 183 "), 2; got != want {
		t.Fatalf("sent 183 count = %d, want %d", got, want)
	}

	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodPrack, "z9hG4bK.prack-bad", 2, progress.toTag(t),
		sip.Header{Name: "RAck", Value: "999 1 INVITE"}))
	if got, want := tp.count("SIP/2.0 481 "), 1; got != want {
		t.Fatalf("sent 481 count = %d, want %d", got, want)
	}

	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodPrack, "z9hG4bK.prack", 3, progress.toTag(t),
		sip.Header{Name: "RAck", Value: rseq + " 1 INVITE"}))
	if got, want := tp.count("SIP/2.0 200 "), 1; got != want {
		t.Fatalf("sent 200 count = %d, want %d", got, want)
	}

	sched.Advance(64 * sip.T1)
	if got, want := tp.count("SIP/2.0 183 "), 2; got != want {
		t.Fatalf("sent 183 count after PRACK = %d, want %d", got, want)
	}
	if got := tp.count("SIP/2.0 504 "); got != 0 {
		t.Fatalf("sent 504 count = %d, want 0", got)
	}
}

func TestInviteUserAgentServer_ReliableProgressTimeout(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	var uas *sip.InviteUserAgentServer
	core, sched := newTestCore(t, tp, &sip.UserAgentCoreDelegate{
		OnInvite: func(s *sip.InviteUserAgentServer) { uas = s },
	})

	core.ReceiveIncomingRequestFromTransport(newInReq(t, sip.MethodInvite, "z9hG4bK.inv-noprack", 1,
		sip.Header{Name: "Supported", Value: "100rel"}))
	if _, err := uas.ProgressReliable(&sip.ResponseOptions{Body: sip.NewSessionBody([]byte(answerSDP))}); err != nil {
		t.Fatalf("uas.ProgressReliable() error = %v, want nil", err)
	}

	sched.Advance(64 * sip.T1)

	if got, want := tp.count("SIP/2.0 504 "), 1; got != want {
		t.Fatalf("sent 504 count = %d, want %d", got, want)
	}
	if got, want := uas.Session().SessionState(), sip.SessionStateTerminated; got != want {
		t.Fatalf("session.SessionState() = %q, want %q", got, want)
	}
}

func TestInviteUserAgentServer_ReliableProgressRequiresSupport(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	var uas *sip.InviteUserAgentServer
	core, _ := newTestCore(t, tp, &sip.UserAgentCoreDelegate{
		OnInvite: func(s *sip.InviteUserAgentServer) { uas = s },
	})

	core.ReceiveIncomingRequestFromTransport(newInReq(t, sip.MethodInvite, "z9hG4bK.inv-no100rel", 1))
	if _, err := uas.ProgressReliable(nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("uas.ProgressReliable() error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}

func TestInviteUserAgentClient_AutoAck(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, _ := newTestCore(t, tp, nil)

	var early *sip.SessionDialog
	_, err := core.Invite(newInvite(core, sip.NewSessionBody([]byte(offerSDP))), &sip.InviteUserAgentClientDelegate{
		OnProgress: func(res *sip.InviteResponse) { early = res.Session },
	})
	if err != nil {
		t.Fatalf("core.Invite() error = %v, want nil", err)
	}
	invite := tp.lastWire(t, "INVITE ")
	if got := invite.hdrs.Get("Contact"); got == "" {
		t.Fatal("INVITE without Contact")
	}

	core.ReceiveIncomingResponseFromTransport(respondTo(t, invite, sip.StatusRinging, "bob-tag",
		sip.Header{Name: "Contact", Value: contactHdr}))
	if early == nil {
		t.Fatal("OnProgress not called")
	}
	if got, want := early.SessionState(), sip.SessionStateEarly; got != want {
		t.Fatalf("session.SessionState() = %q, want %q", got, want)
	}
	if got, want := early.SignalingState(), sip.SignalingStateHaveLocalOffer; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}

	ok := respondTo(t, invite, sip.StatusOK, "bob-tag", sip.Header{Name: "Contact", Value: contactHdr}, sdpBody(answerSDP))
	core.ReceiveIncomingResponseFromTransport(ok)

	ack := tp.lastWire(t, "ACK ")
	if got, want := ack.start, "ACK sip:bob@10.0.0.2:5060 SIP/2.0"; got != want {
		t.Fatalf("ACK start line = %q, want %q", got, want)
	}
	if got, want := ack.hdrs.Get("CSeq"), strings.Fields(invite.hdrs.Get("CSeq"))[0]+" ACK"; got != want {
		t.Fatalf("ACK CSeq = %q, want %q", got, want)
	}
	if ack.hdrs.Get("Via") == invite.hdrs.Get("Via") {
		t.Fatalf("ACK Via = %q, want new branch", ack.hdrs.Get("Via"))
	}
	if got, want := early.SessionState(), sip.SessionStateConfirmed; got != want {
		t.Fatalf("session.SessionState() = %q, want %q", got, want)
	}
	if got, want := early.SignalingState(), sip.SignalingStateStable; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}

	// a retransmitted 2xx is answered with the same ACK
	core.ReceiveIncomingResponseFromTransport(respondTo(t, invite, sip.StatusOK, "bob-tag",
		sip.Header{Name: "Contact", Value: contactHdr}, sdpBody(answerSDP)))
	if got, want := tp.count("ACK "), 2; got != want {
		t.Fatalf("sent ACK count = %d, want %d", got, want)
	}
	if got, want := core.Stats().Dialogs, 1; got != want {
		t.Fatalf("core.Stats().Dialogs = %d, want %d", got, want)
	}
}

func TestInviteUserAgentClient_AnswerMissing(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, _ := newTestCore(t, tp, nil)

	var accepted int
	if _, err := core.Invite(newInvite(core, sip.NewSessionBody([]byte(offerSDP))), &sip.InviteUserAgentClientDelegate{
		OnAccept: func(*sip.InviteResponse) { accepted++ },
	}); err != nil {
		t.Fatalf("core.Invite() error = %v, want nil", err)
	}
	invite := tp.lastWire(t, "INVITE ")
	core.ReceiveIncomingResponseFromTransport(respondTo(t, invite, sip.StatusOK, "bob-tag",
		sip.Header{Name: "Contact", Value: contactHdr}))

	if accepted != 0 {
		t.Fatalf("OnAccept calls = %d, want 0", accepted)
	}
	if got, want := tp.count("ACK "), 1; got != want {
		t.Fatalf("sent ACK count = %d, want %d", got, want)
	}
	if got, want := tp.count("BYE "), 1; got != want {
		t.Fatalf("sent BYE count = %d, want %d", got, want)
	}
	if got, want := core.Stats().Dialogs, 0; got != want {
		t.Fatalf("core.Stats().Dialogs = %d, want %d", got, want)
	}
}

func TestInviteUserAgentClient_Cancel(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, _ := newTestCore(t, tp, nil)

	var rejected *sip.IncomingResponseMessage
	uac, err := core.Invite(newInvite(core, sip.NewSessionBody([]byte(offerSDP))), &sip.InviteUserAgentClientDelegate{
		OnReject: func(res *sip.IncomingResponseMessage) { rejected = res },
	})
	if err != nil {
		t.Fatalf("core.Invite() error = %v, want nil", err)
	}
	invite := tp.lastWire(t, "INVITE ")

	if err := uac.Cancel(nil); err != nil {
		t.Fatalf("uac.Cancel() error = %v, want nil", err)
	}
	if got := tp.count("CANCEL "); got != 0 {
		t.Fatalf("sent CANCEL count before provisional response = %d, want 0", got)
	}

	core.ReceiveIncomingResponseFromTransport(respondTo(t, invite, sip.StatusTrying, ""))
	cancel := tp.lastWire(t, "CANCEL ")
	if got, want := cancel.hdrs.Get("Via"), invite.hdrs.Get("Via"); got != want {
		t.Fatalf("CANCEL Via = %q, want %q", got, want)
	}
	if got, want := cancel.hdrs.Get("CSeq"), strings.Replace(invite.hdrs.Get("CSeq"), "INVITE", "CANCEL", 1); got != want {
		t.Fatalf("CANCEL CSeq = %q, want %q", got, want)
	}
	if err := uac.Cancel(nil); err != nil {
		t.Fatalf("second uac.Cancel() error = %v, want nil", err)
	}
	if got, want := tp.count("CANCEL "), 1; got != want {
		t.Fatalf("sent CANCEL count = %d, want %d", got, want)
	}

	core.ReceiveIncomingResponseFromTransport(respondTo(t, cancel, sip.StatusOK, "bob-tag"))
	core.ReceiveIncomingResponseFromTransport(respondTo(t, invite, sip.StatusRequestTerminated, "bob-tag"))

	if rejected == nil || rejected.StatusCode != sip.StatusRequestTerminated {
		t.Fatalf("OnReject response = %v, want 487", rejected)
	}
	if got, want := tp.count("ACK "), 1; got != want {
		t.Fatalf("sent ACK count = %d, want %d", got, want)
	}
}

func TestInviteUserAgentClient_ReliableProvisional(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, _ := newTestCore(t, tp, nil, func(cfg *sip.UserAgentCoreConfiguration) {
		cfg.SupportedOptionTags = []string{"100rel"}
	})

	if _, err := core.Invite(newInvite(core, sip.NewSessionBody([]byte(offerSDP))), nil); err != nil {
		t.Fatalf("core.Invite() error = %v, want nil", err)
	}
	invite := tp.lastWire(t, "INVITE ")
	if got, want := invite.hdrs.Get("Supported"), "100rel"; got != want {
		t.Fatalf("INVITE Supported = %q, want %q", got, want)
	}

	progress := func() *sip.IncomingResponseMessage {
		return respondTo(t, invite, sip.StatusSessionProgress, "bob-tag",
			sip.Header{Name: "Contact", Value: contactHdr},
			sip.Header{Name: "Require", Value: "100rel"},
			sip.Header{Name: "RSeq", Value: "7"},
			sdpBody(answerSDP),
		)
	}
	core.ReceiveIncomingResponseFromTransport(progress())
	core.ReceiveIncomingResponseFromTransport(progress())

	if got, want := tp.count("PRACK "), 1; got != want {
		t.Fatalf("sent PRACK count = %d, want %d", got, want)
	}
	prack := tp.lastWire(t, "PRACK ")
	if got, want := prack.hdrs.Get("RAck"), "7 "+invite.hdrs.Get("CSeq"); got != want {
		t.Fatalf("PRACK RAck = %q, want %q", got, want)
	}
}

func TestInviteUserAgentClient_RouteSet(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, _ := newTestCore(t, tp, nil)

	var early *sip.SessionDialog
	if _, err := core.Invite(newInvite(core, sip.NewSessionBody([]byte(offerSDP))), &sip.InviteUserAgentClientDelegate{
		OnProgress: func(res *sip.InviteResponse) { early = res.Session },
	}); err != nil {
		t.Fatalf("core.Invite() error = %v, want nil", err)
	}
	invite := tp.lastWire(t, "INVITE ")

	core.ReceiveIncomingResponseFromTransport(respondTo(t, invite, sip.StatusRinging, "bob-tag",
		sip.Header{Name: "Contact", Value: contactHdr},
		sip.Header{Name: "Record-Route", Value: "<sip:p1.example.com;lr>"}))
	if early == nil {
		t.Fatal("OnProgress not called")
	}
	earlyRoutes := []string{"<sip:p1.example.com;lr>"}
	if diff := cmp.Diff(earlyRoutes, early.RouteSet()); diff != "" {
		t.Fatalf("early route set mismatch (-want +got):\n%s", diff)
	}

	// further provisional responses leave the route set alone
	core.ReceiveIncomingResponseFromTransport(respondTo(t, invite, sip.StatusRinging, "bob-tag",
		sip.Header{Name: "Contact", Value: contactHdr},
		sip.Header{Name: "Record-Route", Value: "<sip:p9.example.com;lr>"}))
	if diff := cmp.Diff(earlyRoutes, early.RouteSet()); diff != "" {
		t.Fatalf("early route set after second 180 mismatch (-want +got):\n%s", diff)
	}

	// the 2xx replaces it, in reverse order
	core.ReceiveIncomingResponseFromTransport(respondTo(t, invite, sip.StatusOK, "bob-tag",
		sip.Header{Name: "Contact", Value: contactHdr},
		sip.Header{Name: "Record-Route", Value: "<sip:p2.example.com;lr>"},
		sip.Header{Name: "Record-Route", Value: "<sip:p3.example.com;lr>"},
		sdpBody(answerSDP)))
	routes := []string{"<sip:p3.example.com;lr>", "<sip:p2.example.com;lr>"}
	if diff := cmp.Diff(routes, early.RouteSet()); diff != "" {
		t.Fatalf("route set mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(routes, tp.lastWire(t, "ACK ").hdrs.Values("Route")); diff != "" {
		t.Fatalf("ACK Route mismatch (-want +got):\n%s", diff)
	}

	// a confirmed dialog keeps its route set, the re-INVITE 2xx only refreshes the target
	if _, err := early.Invite(nil, &sip.RequestOptions{Body: sip.NewSessionBody([]byte(reofferSDP))}); err != nil {
		t.Fatalf("session.Invite() error = %v, want nil", err)
	}
	reinvite := tp.lastWire(t, "INVITE ")
	if got, want := reinvite.start, "INVITE sip:bob@10.0.0.2:5060 SIP/2.0"; got != want {
		t.Fatalf("re-INVITE start line = %q, want %q", got, want)
	}
	core.ReceiveIncomingResponseFromTransport(respondTo(t, reinvite, sip.StatusOK, "",
		sip.Header{Name: "Contact", Value: "<sip:bob@10.0.0.3:5062>"},
		sip.Header{Name: "Record-Route", Value: "<sip:p9.example.com;lr>"},
		sdpBody(answerSDP)))

	if diff := cmp.Diff(routes, early.RouteSet()); diff != "" {
		t.Fatalf("route set after re-INVITE mismatch (-want +got):\n%s", diff)
	}
	if got, want := early.RemoteTarget().String(), "sip:bob@10.0.0.3:5062"; got != want {
		t.Fatalf("session.RemoteTarget() = %q, want %q", got, want)
	}
	if _, err := early.Info(nil, nil); err != nil {
		t.Fatalf("session.Info() error = %v, want nil", err)
	}
	if got, want := tp.lastWire(t, "INFO ").start, "INFO sip:bob@10.0.0.3:5062 SIP/2.0"; got != want {
		t.Fatalf("INFO start line = %q, want %q", got, want)
	}
}

func TestInviteUserAgentClient_UnacceptableOfferIn2xx(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, _ := newTestCore(t, tp, nil, func(cfg *sip.UserAgentCoreConfiguration) {
		cfg.SessionDescriptionHandler = sdp.NewHandler("audio")
	})

	var (
		session  *sip.SessionDialog
		accepted int
	)
	if _, err := core.Invite(newInvite(core, nil), &sip.InviteUserAgentClientDelegate{
		OnProgress: func(res *sip.InviteResponse) { session = res.Session },
		OnAccept:   func(*sip.InviteResponse) { accepted++ },
	}); err != nil {
		t.Fatalf("core.Invite() error = %v, want nil", err)
	}
	invite := tp.lastWire(t, "INVITE ")
	core.ReceiveIncomingResponseFromTransport(respondTo(t, invite, sip.StatusRinging, "bob-tag",
		sip.Header{Name: "Contact", Value: contactHdr}))
	if session == nil {
		t.Fatal("OnProgress not called")
	}

	videoOffer := "v=0\r\no=bob 1 1 IN IP4 10.0.0.2\r\ns=-\r\nc=IN IP4 10.0.0.2\r\nt=0 0\r\nm=video 4002 RTP/AVP 96\r\n"
	core.ReceiveIncomingResponseFromTransport(respondTo(t, invite, sip.StatusOK, "bob-tag",
		sip.Header{Name: "Contact", Value: contactHdr}, sdpBody(videoOffer)))

	if accepted != 1 {
		t.Fatalf("OnAccept calls = %d, want 1", accepted)
	}
	if got, want := session.SignalingState(), sip.SignalingStateHaveRemoteOffer; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}

	ack, err := session.Ack(nil)
	if err != nil {
		t.Fatalf("session.Ack() error = %v, want nil", err)
	}
	if got, want := string(ack.Body.Content), "m=video 0 RTP/AVP 96"; !strings.Contains(got, want) {
		t.Fatalf("ACK body = %q, want declined stream %q", got, want)
	}
	wireAck := tp.lastWire(t, "ACK ")
	if got, want := wireAck.hdrs.Get("CSeq"), "1 ACK"; got != want {
		t.Fatalf("ACK CSeq = %q, want %q", got, want)
	}
	if !strings.Contains(wireAck.body, "m=video 0 ") {
		t.Fatalf("sent ACK body = %q, want declined stream", wireAck.body)
	}
	if got, want := tp.count("BYE "), 1; got != want {
		t.Fatalf("sent BYE count = %d, want %d", got, want)
	}
	if got, want := session.SignalingState(), sip.SignalingStateClosed; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}
}
