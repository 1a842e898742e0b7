// Package parser turns raw SIP datagrams into the engine's incoming messages
// and feeds them to a [sip.UserAgentCore].
package parser

//go:generate errtrace -w .

import (
	"log/slog"

	"braces.dev/errtrace"
	sipgo "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipua/internal/errorutil"
	"github.com/ghettovoice/sipua/log"
	"github.com/ghettovoice/sipua/sip"
)

// ErrUnexpectedMessage is returned when the wire parser yields a message
// that is neither a request nor a response.
const ErrUnexpectedMessage errorutil.Error = "unexpected message"

// Message is the result of parsing one SIP message.
// Exactly one of the fields is set.
type Message struct {
	Request  *sip.IncomingRequestMessage
	Response *sip.IncomingResponseMessage
}

func (m Message) LogValue() slog.Value {
	switch {
	case m.Request != nil:
		return slog.AnyValue(m.Request)
	case m.Response != nil:
		return slog.AnyValue(m.Response)
	default:
		return slog.Value{}
	}
}

// Parser parses complete SIP messages, one per call.
type Parser struct {
	wp *sipgo.Parser
}

// New creates a new parser.
func New() *Parser {
	return &Parser{wp: sipgo.NewParser()}
}

// Parse parses data that holds exactly one SIP message, as received from a
// datagram or a WebSocket frame.
func (p *Parser) Parse(data []byte) (Message, error) {
	msg, err := p.wp.ParseSIP(data)
	if err != nil {
		return Message{}, errtrace.Wrap(sip.NewInvalidArgumentError(err))
	}

	switch m := msg.(type) {
	case *sipgo.Request:
		req, err := sip.NewIncomingRequestMessage(string(m.Method), sip.URIFromSipgo(&m.Recipient), convertHeaders(m), m.Body())
		if err != nil {
			return Message{}, errtrace.Wrap(err)
		}
		return Message{Request: req}, nil
	case *sipgo.Response:
		res, err := sip.NewIncomingResponseMessage(m.StatusCode, m.Reason, convertHeaders(m), m.Body())
		if err != nil {
			return Message{}, errtrace.Wrap(err)
		}
		return Message{Response: res}, nil
	default:
		return Message{}, errtrace.Wrap(sip.NewInvalidArgumentError(ErrUnexpectedMessage))
	}
}

// convertHeaders copies the parsed headers in wire order.
// Address list headers are already split by sipgo into one header per value.
func convertHeaders(msg sipgo.Message) sip.Headers {
	holder, ok := msg.(interface{ Headers() []sipgo.Header })
	if !ok {
		return nil
	}
	in := holder.Headers()
	hdrs := make(sip.Headers, 0, len(in))
	for _, h := range in {
		hdrs = append(hdrs, sip.Header{Name: h.Name(), Value: h.Value()})
	}
	return hdrs
}

// Receiver hands parsed messages over to a user agent core.
// Messages are delivered on the core's executor.
type Receiver struct {
	core   *sip.UserAgentCore
	parser *Parser
	log    *slog.Logger
}

// NewReceiver creates a receiver for the core.
// A nil logger means [log.Default].
func NewReceiver(core *sip.UserAgentCore, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = log.Default()
	}
	return &Receiver{core: core, parser: New(), log: logger}
}

// Receive parses data and posts the message to the core.
// Malformed messages are dropped and the parse error is returned to the caller.
func (r *Receiver) Receive(data []byte) error {
	msg, err := r.parser.Parse(data)
	if err != nil {
		r.log.Debug("discard malformed message", slog.Any("error", err), slog.Any("data", log.StringValue(data)))
		return errtrace.Wrap(err)
	}

	r.core.Executor().Execute(func() {
		if msg.Request != nil {
			r.core.ReceiveIncomingRequestFromTransport(msg.Request)
			return
		}
		r.core.ReceiveIncomingResponseFromTransport(msg.Response)
	})
	return nil
}
