package sip_test

import (
	"errors"
	"testing"

	"github.com/ghettovoice/sipua/sip"
)

const reofferSDP = "v=0\r\no=alice 1 2 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 5002 RTP/AVP 8\r\n"

func newSessionCore(t *testing.T, tp *stubTransport) (*sip.UserAgentCore, *sessionCapture) {
	t.Helper()

	c := &sessionCapture{}
	core, _ := newTestCore(t, tp, &sip.UserAgentCoreDelegate{
		OnInvite: func(uas *sip.InviteUserAgentServer) { c.uas = uas },
	})
	return core, c
}

type sessionCapture struct {
	uas *sip.InviteUserAgentServer
}

func TestSessionDialog_SequenceGuard(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, c := newSessionCore(t, tp)
	_, toTag := acceptIncomingInvite(t, tp, core, &c.uas)
	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodAck, "z9hG4bK.ack-1", 1, toTag))
	tp.reset()

	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodInfo, "z9hG4bK.info-5", 5, toTag))
	if got, want := tp.count("SIP/2.0 469 "), 1; got != want {
		t.Fatalf("sent 469 count = %d, want %d", got, want)
	}
	if got := tp.lastWire(t, "SIP/2.0 469 ").hdrs.Has("Recv-Info"); !got {
		t.Fatal("469 without Recv-Info")
	}

	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodInfo, "z9hG4bK.info-4", 4, toTag))
	if got, want := tp.count("SIP/2.0 500 "), 1; got != want {
		t.Fatalf("sent 500 count = %d, want %d", got, want)
	}
	if got, want := core.Stats().Dialogs, 1; got != want {
		t.Fatalf("core.Stats().Dialogs = %d, want %d", got, want)
	}
}

func TestSessionDialog_ReceiveBye(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, c := newSessionCore(t, tp)
	session, toTag := acceptIncomingInvite(t, tp, core, &c.uas)
	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodAck, "z9hG4bK.ack-1", 1, toTag))

	var byes int
	session.Delegate = &sip.SessionDelegate{
		OnBye: func(uas *sip.ByeUserAgentServer) {
			byes++
			if _, err := uas.Accept(nil); err != nil {
				t.Errorf("uas.Accept() error = %v, want nil", err)
			}
		},
	}
	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodBye, "z9hG4bK.bye", 2, toTag))

	if byes != 1 {
		t.Fatalf("OnBye calls = %d, want 1", byes)
	}
	if got, want := session.SessionState(), sip.SessionStateTerminated; got != want {
		t.Fatalf("session.SessionState() = %q, want %q", got, want)
	}
	if got, want := core.Stats().Dialogs, 0; got != want {
		t.Fatalf("core.Stats().Dialogs = %d, want %d", got, want)
	}
	if _, err := session.Bye(nil, nil); !errors.Is(err, sip.ErrDialogTerminated) {
		t.Fatalf("session.Bye() error = %v, want %v", err, sip.ErrDialogTerminated)
	}
	// a BYE retransmission is answered by its transaction, a new one finds no dialog
	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodBye, "z9hG4bK.bye-2", 3, toTag))
	if got, want := tp.count("SIP/2.0 481 "), 1; got != want {
		t.Fatalf("sent 481 count = %d, want %d", got, want)
	}
}

func TestSessionDialog_ReInviteGlare(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, c := newSessionCore(t, tp)
	session, toTag := acceptIncomingInvite(t, tp, core, &c.uas)
	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodAck, "z9hG4bK.ack-1", 1, toTag))
	tp.reset()

	var rejected int
	if _, err := session.Invite(&sip.InviteUserAgentClientDelegate{
		OnReject: func(*sip.IncomingResponseMessage) { rejected++ },
	}, &sip.RequestOptions{Body: sip.NewSessionBody([]byte(reofferSDP))}); err != nil {
		t.Fatalf("session.Invite() error = %v, want nil", err)
	}
	if got, want := session.SignalingState(), sip.SignalingStateHaveLocalOffer; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}
	if _, err := session.Invite(nil, nil); !errors.Is(err, sip.ErrActionNotAllowed) {
		t.Fatalf("second session.Invite() error = %v, want %v", err, sip.ErrActionNotAllowed)
	}
	reinvite := tp.lastWire(t, "INVITE ")

	// our re-INVITE is pending
	core.ReceiveIncomingRequestFromTransport(withSDP(inDialogReq(t, sip.MethodInvite, "z9hG4bK.reinv-2", 2, toTag), offerSDP))
	if got, want := tp.count("SIP/2.0 491 "), 1; got != want {
		t.Fatalf("sent 491 count = %d, want %d", got, want)
	}

	core.ReceiveIncomingResponseFromTransport(respondTo(t, reinvite, sip.StatusRequestPending, ""))
	if rejected != 1 {
		t.Fatalf("OnReject calls = %d, want 1", rejected)
	}
	if got, want := session.SignalingState(), sip.SignalingStateStable; got != want {
		t.Fatalf("session.SignalingState() after 491 = %q, want %q", got, want)
	}
	if got, want := string(session.Answer().Content), answerSDP; got != want {
		t.Fatalf("session.Answer() = %q, want %q", got, want)
	}
	if got, want := session.SessionState(), sip.SessionStateConfirmed; got != want {
		t.Fatalf("session.SessionState() = %q, want %q", got, want)
	}

	// the peer's re-INVITE is pending
	var pending *sip.ReInviteUserAgentServer
	session.Delegate = &sip.SessionDelegate{OnInvite: func(uas *sip.ReInviteUserAgentServer) { pending = uas }}
	core.ReceiveIncomingRequestFromTransport(withSDP(inDialogReq(t, sip.MethodInvite, "z9hG4bK.reinv-3", 3, toTag), offerSDP+"a=sendonly\r\n"))
	if pending == nil {
		t.Fatal("OnInvite not called")
	}
	if got, want := session.SignalingState(), sip.SignalingStateHaveRemoteOffer; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}

	core.ReceiveIncomingRequestFromTransport(withSDP(inDialogReq(t, sip.MethodInvite, "z9hG4bK.reinv-4", 4, toTag), offerSDP))
	res := tp.lastWire(t, "SIP/2.0 500 ")
	if !res.hdrs.Has("Retry-After") {
		t.Fatal("500 without Retry-After")
	}
	if _, err := session.Invite(nil, nil); !errors.Is(err, sip.ErrActionNotAllowed) {
		t.Fatalf("session.Invite() error = %v, want %v", err, sip.ErrActionNotAllowed)
	}

	if _, err := pending.Accept(&sip.ResponseOptions{Body: sip.NewSessionBody([]byte(answerSDP + "a=recvonly\r\n"))}); err != nil {
		t.Fatalf("uas.Accept() error = %v, want nil", err)
	}
	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodAck, "z9hG4bK.ack-3", 3, toTag))
	if got, want := session.SignalingState(), sip.SignalingStateStable; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}
	if _, err := session.Invite(nil, &sip.RequestOptions{Body: sip.NewSessionBody([]byte(reofferSDP))}); err != nil {
		t.Fatalf("session.Invite() after ACK error = %v, want nil", err)
	}
}

func TestSessionDialog_ReInviteRejectRollsBack(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, c := newSessionCore(t, tp)
	session, toTag := acceptIncomingInvite(t, tp, core, &c.uas)
	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodAck, "z9hG4bK.ack-1", 1, toTag))

	// no OnInvite: the re-INVITE is rejected with 488
	core.ReceiveIncomingRequestFromTransport(withSDP(inDialogReq(t, sip.MethodInvite, "z9hG4bK.reinv-2", 2, toTag), offerSDP+"a=inactive\r\n"))

	if got, want := tp.count("SIP/2.0 488 "), 1; got != want {
		t.Fatalf("sent 488 count = %d, want %d", got, want)
	}
	if got, want := session.SignalingState(), sip.SignalingStateStable; got != want {
		t.Fatalf("session.SignalingState() = %q, want %q", got, want)
	}
	if got, want := string(session.Offer().Content), offerSDP; got != want {
		t.Fatalf("session.Offer() = %q, want %q", got, want)
	}
}

func TestSessionDialog_DisposeIsIdempotent(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, c := newSessionCore(t, tp)
	session, _ := acceptIncomingInvite(t, tp, core, &c.uas)

	session.Dispose()
	session.Dispose()

	if got, want := core.Stats().Dialogs, 0; got != want {
		t.Fatalf("core.Stats().Dialogs = %d, want %d", got, want)
	}
	if _, err := session.Info(nil, nil); !errors.Is(err, sip.ErrDialogTerminated) {
		t.Fatalf("session.Info() error = %v, want %v", err, sip.ErrDialogTerminated)
	}
}

func TestSessionDialog_TargetRefresh(t *testing.T) {
	t.Parallel()

	tp := newStubTransport("UDP")
	core, c := newSessionCore(t, tp)
	session, toTag := acceptIncomingInvite(t, tp, core, &c.uas)
	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodAck, "z9hG4bK.ack-1", 1, toTag))

	if got, want := session.RemoteTarget().String(), "sip:bob@10.0.0.2:5060"; got != want {
		t.Fatalf("session.RemoteTarget() = %q, want %q", got, want)
	}

	// INFO is no target refresh request
	session.Delegate = &sip.SessionDelegate{
		OnInfo: func(uas *sip.InfoUserAgentServer) {
			if _, err := uas.Accept(nil); err != nil {
				t.Errorf("uas.Accept() error = %v, want nil", err)
			}
		},
		OnInvite: func(uas *sip.ReInviteUserAgentServer) {
			if _, err := uas.Accept(&sip.ResponseOptions{Body: sip.NewSessionBody([]byte(answerSDP))}); err != nil {
				t.Errorf("uas.Accept() error = %v, want nil", err)
			}
		},
	}
	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodInfo, "z9hG4bK.info-2", 2, toTag,
		sip.Header{Name: "Contact", Value: "<sip:bob@10.0.0.7:5070>"}))
	if got, want := session.RemoteTarget().String(), "sip:bob@10.0.0.2:5060"; got != want {
		t.Fatalf("session.RemoteTarget() after INFO = %q, want %q", got, want)
	}

	core.ReceiveIncomingRequestFromTransport(withSDP(inDialogReq(t, sip.MethodInvite, "z9hG4bK.reinv-3", 3, toTag,
		sip.Header{Name: "Contact", Value: "<sip:bob@10.0.0.9:5080;transport=tcp>"},
		sip.Header{Name: "Record-Route", Value: "<sip:p1.example.com;lr>"},
	), offerSDP))
	if got, want := tp.lastWire(t, "SIP/2.0 200 ").hdrs.Get("CSeq"), "3 INVITE"; got != want {
		t.Fatalf("last 200 CSeq = %q, want %q", got, want)
	}
	if got, want := session.RemoteTarget().String(), "sip:bob@10.0.0.9:5080;transport=tcp"; got != want {
		t.Fatalf("session.RemoteTarget() after re-INVITE = %q, want %q", got, want)
	}
	if got := session.RouteSet(); len(got) != 0 {
		t.Fatalf("session.RouteSet() = %q, want empty", got)
	}

	core.ReceiveIncomingRequestFromTransport(inDialogReq(t, sip.MethodAck, "z9hG4bK.ack-3", 3, toTag))
	if _, err := session.Bye(nil, nil); err != nil {
		t.Fatalf("session.Bye() error = %v, want nil", err)
	}
	if got, want := tp.lastWire(t, "BYE ").start, "BYE sip:bob@10.0.0.9:5080;transport=tcp SIP/2.0"; got != want {
		t.Fatalf("BYE start line = %q, want %q", got, want)
	}
}
