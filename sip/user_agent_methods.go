package sip

import (
	"braces.dev/errtrace"
)

// UserAgentClient sends a request of any method outside of a dialog.
type UserAgentClient struct{ *userAgentClient }

// ByeUserAgentClient sends a BYE within a session.
type ByeUserAgentClient struct{ *userAgentClient }

// InfoUserAgentClient sends an INFO within a session.
type InfoUserAgentClient struct{ *userAgentClient }

// MessageUserAgentClient sends a MESSAGE in or outside of a session.
type MessageUserAgentClient struct{ *userAgentClient }

// NotifyUserAgentClient sends a NOTIFY within a session.
type NotifyUserAgentClient struct{ *userAgentClient }

// PrackUserAgentClient acknowledges a reliable provisional response.
type PrackUserAgentClient struct{ *userAgentClient }

// PublishUserAgentClient sends a PUBLISH.
type PublishUserAgentClient struct{ *userAgentClient }

// ReferUserAgentClient sends a REFER within a session.
type ReferUserAgentClient struct{ *userAgentClient }

// RegisterUserAgentClient sends a REGISTER.
type RegisterUserAgentClient struct{ *userAgentClient }

// inSession is embedded by user agent servers that may receive requests within a session.
type inSession struct {
	session *SessionDialog
}

// Session returns the session the request was received in, nil for requests outside of a dialog.
func (s inSession) Session() *SessionDialog { return s.session }

// ByeUserAgentServer answers a BYE.
type ByeUserAgentServer struct {
	*userAgentServer
	inSession
}

func newByeUserAgentServer(s *SessionDialog, req *IncomingRequestMessage) (*ByeUserAgentServer, error) {
	uas, err := newUserAgentServer(s.core, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &ByeUserAgentServer{uas, inSession{s}}, nil
}

// InfoUserAgentServer answers an INFO.
type InfoUserAgentServer struct {
	*userAgentServer
	inSession
}

func newInfoUserAgentServer(s *SessionDialog, req *IncomingRequestMessage) (*InfoUserAgentServer, error) {
	uas, err := newUserAgentServer(s.core, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &InfoUserAgentServer{uas, inSession{s}}, nil
}

// MessageUserAgentServer answers a MESSAGE.
type MessageUserAgentServer struct {
	*userAgentServer
	inSession
}

func newMessageUserAgentServer(core *UserAgentCore, req *IncomingRequestMessage) (*MessageUserAgentServer, error) {
	uas, err := newUserAgentServer(core, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &MessageUserAgentServer{userAgentServer: uas}, nil
}

// NotifyUserAgentServer answers a NOTIFY.
type NotifyUserAgentServer struct {
	*userAgentServer
	inSession
}

func newNotifyUserAgentServer(core *UserAgentCore, req *IncomingRequestMessage) (*NotifyUserAgentServer, error) {
	uas, err := newUserAgentServer(core, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &NotifyUserAgentServer{userAgentServer: uas}, nil
}

// ReferUserAgentServer answers a REFER.
type ReferUserAgentServer struct {
	*userAgentServer
	inSession
}

func newReferUserAgentServer(core *UserAgentCore, req *IncomingRequestMessage) (*ReferUserAgentServer, error) {
	uas, err := newUserAgentServer(core, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &ReferUserAgentServer{userAgentServer: uas}, nil
}

// RegisterUserAgentServer answers a REGISTER.
type RegisterUserAgentServer struct {
	*userAgentServer
}

func newRegisterUserAgentServer(core *UserAgentCore, req *IncomingRequestMessage) (*RegisterUserAgentServer, error) {
	uas, err := newUserAgentServer(core, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &RegisterUserAgentServer{uas}, nil
}

// SubscribeUserAgentServer answers a SUBSCRIBE.
type SubscribeUserAgentServer struct {
	*userAgentServer
}

func newSubscribeUserAgentServer(core *UserAgentCore, req *IncomingRequestMessage) (*SubscribeUserAgentServer, error) {
	uas, err := newUserAgentServer(core, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &SubscribeUserAgentServer{uas}, nil
}

// PrackUserAgentServer answers a PRACK (RFC 3262).
// An offer carried by the PRACK has already moved the session signaling state.
type PrackUserAgentServer struct {
	*userAgentServer
	inSession

	offered bool
}

func newPrackUserAgentServer(s *SessionDialog, req *IncomingRequestMessage) (*PrackUserAgentServer, error) {
	uas, err := newUserAgentServer(s.core, req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	prev := s.signalingState
	s.signalingStateTransition(req.Body(), true)
	offered := s.signalingState == SignalingStateHaveRemoteOffer && prev != SignalingStateHaveRemoteOffer
	return &PrackUserAgentServer{userAgentServer: uas, inSession: inSession{s}, offered: offered}, nil
}

// Accept responds with a 2xx. It must carry the answer if the PRACK carried an offer.
func (uas *PrackUserAgentServer) Accept(opts *ResponseOptions) (*OutgoingResponse, error) {
	var body *Body
	if opts != nil {
		body = opts.Body
	}
	if uas.offered && !body.IsSession() {
		return nil, errtrace.Wrap(ErrAnswerRequired)
	}

	res, err := uas.userAgentServer.Accept(opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	uas.session.signalingStateTransition(body, false)
	return res, nil
}

// Reject responds with a 4xx-6xx (480 by default) and rolls back an offer carried by the PRACK.
func (uas *PrackUserAgentServer) Reject(opts *ResponseOptions) (*OutgoingResponse, error) {
	res, err := uas.userAgentServer.Reject(opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if uas.offered {
		uas.session.signalingStateRollback()
	}
	return res, nil
}
