// Package sip implements the protocol engine of a SIP user agent as defined in RFC 3261
// and its extensions: the transaction layer, the dialog layer and the user agent
// core that routes messages between them.
//
// The package does not parse or transmit bytes. Inbound messages arrive already structured
// as [IncomingRequestMessage] or [IncomingResponseMessage] (see the parser package), outbound
// messages are rendered to strings and handed to a [Transport].
//
// All state machines of one [UserAgentCore] run on a single logical thread of control
// provided by an [Executor]; timers are scheduled through an injected scheduler and their
// callbacks are posted back to the same executor.
//
// Basic usage:
//
//	exec := sip.NewSerialExecutor()
//	core, err := sip.NewUserAgentCore(tp, &sip.UserAgentCoreConfiguration{
//		AOR:      sip.MustParseURI("sip:alice@example.com"),
//		Contact:  sip.NameAddr{URI: sip.MustParseURI("sip:alice@client.invalid;transport=ws")},
//		Executor: exec,
//	}, &sip.UserAgentCoreDelegate{
//		OnInvite: func(uas *sip.InviteUserAgentServer) { ... },
//	})
//	if err != nil {
//		return err
//	}
//	exec.Execute(func() {
//		req := core.MakeOutgoingRequestMessage(sip.MethodInvite, target, from, to, nil, nil, offer)
//		core.Invite(req, &sip.InviteUserAgentClientDelegate{ ... })
//	})
package sip
