package sip

import (
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/util"
)

// Body is a message body together with the headers describing it.
type Body struct {
	ContentDisposition string
	ContentType        string
	Content            []byte
}

// Content dispositions with special meaning for the engine.
const (
	DispositionSession = "session"
	DispositionRender  = "render"
)

// IsSession reports whether the body takes part in offer/answer exchange.
func (b *Body) IsSession() bool {
	return b != nil && util.EqFold(b.ContentDisposition, DispositionSession)
}

// NewSessionBody wraps an SDP payload into a session body.
func NewSessionBody(sdp []byte) *Body {
	return &Body{ContentDisposition: DispositionSession, ContentType: "application/sdp", Content: sdp}
}

func (b *Body) clone() *Body {
	if b == nil {
		return nil
	}
	c := *b
	c.Content = append([]byte(nil), b.Content...)
	return &c
}

func defaultDisposition(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	if util.EqFold(strings.TrimSpace(mt), "application/sdp") {
		return DispositionSession
	}
	return DispositionRender
}

func newBody(hdrs Headers, content []byte) *Body {
	ct := hdrs.Get("Content-Type")
	if len(content) == 0 || ct == "" {
		return nil
	}
	disp, _, _ := strings.Cut(hdrs.Get("Content-Disposition"), ";")
	disp = util.LCase(strings.TrimSpace(disp))
	if disp == "" {
		disp = defaultDisposition(ct)
	}
	return &Body{ContentDisposition: disp, ContentType: ct, Content: content}
}

// incomingMessage holds the fields shared by incoming requests and responses,
// derived once on construction.
type incomingMessage struct {
	Headers Headers
	Content []byte

	CallID     string
	CSeq       uint32
	CSeqMethod string
	From       NameAddr
	To         NameAddr
	FromTag    string
	ToTag      string
	Via        ViaHop
	ViaBranch  string
	ViaCount   int
}

func (m *incomingMessage) init(hdrs Headers, content []byte) error {
	m.Headers = hdrs
	m.Content = content

	m.CallID = hdrs.Get("Call-ID")
	cseq := hdrs.Get("CSeq")
	from := hdrs.Get("From")
	to := hdrs.Get("To")
	vias := hdrs.Values("Via")
	if m.CallID == "" || cseq == "" || from == "" || to == "" || len(vias) == 0 {
		return errtrace.Wrap(NewInvalidArgumentError(errMissHdrs))
	}

	num, mtd, ok := strings.Cut(strings.TrimSpace(cseq), " ")
	n, err := strconv.ParseUint(num, 10, 32)
	if !ok || err != nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid CSeq %q", cseq))
	}
	m.CSeq = uint32(n)
	m.CSeqMethod = util.UCase(strings.TrimSpace(mtd))

	if m.From, err = ParseNameAddr(from); err != nil {
		return errtrace.Wrap(err)
	}
	if m.To, err = ParseNameAddr(to); err != nil {
		return errtrace.Wrap(err)
	}
	m.FromTag = m.From.Tag()
	m.ToTag = m.To.Tag()

	if m.Via, err = ParseVia(vias[0]); err != nil {
		return errtrace.Wrap(err)
	}
	m.ViaBranch = m.Via.Branch()
	m.ViaCount = len(vias)
	return nil
}

// Header returns the first value of the named header.
func (m *incomingMessage) Header(name string) string { return m.Headers.Get(name) }

// HasHeader reports whether the named header is present.
func (m *incomingMessage) HasHeader(name string) bool { return m.Headers.Has(name) }

// Body returns the message body or nil if the message has none.
// Content-Disposition defaults to "session" for application/sdp and "render" otherwise.
func (m *incomingMessage) Body() *Body { return newBody(m.Headers, m.Content) }

// Contact returns the first Contact header value.
func (m *incomingMessage) Contact() (NameAddr, bool) {
	vals := m.Headers.Values("Contact")
	if len(vals) == 0 {
		return NameAddr{}, false
	}
	na, err := ParseNameAddr(vals[0])
	if err != nil {
		return NameAddr{}, false
	}
	return na, true
}

// Event returns the event package of the Event header without parameters.
func (m *incomingMessage) Event() string {
	evt, _, _ := strings.Cut(m.Headers.Get("Event"), ";")
	return util.LCase(strings.TrimSpace(evt))
}

// RecordRoute returns the Record-Route header values in order.
func (m *incomingMessage) RecordRoute() []string { return m.Headers.Values("Record-Route") }

// hasOptionTag reports whether the option tag is listed in the named header (Require, Supported...).
func (m *incomingMessage) hasOptionTag(hdr, tag string) bool {
	return util.ContainsFold(m.Headers.Values(hdr), tag)
}

// IncomingRequestMessage is a request received from the transport.
type IncomingRequestMessage struct {
	incomingMessage

	Method     string
	RequestURI URI
}

// NewIncomingRequestMessage creates and validates an incoming request.
// Call-ID, CSeq, From, To and Via headers are mandatory.
func NewIncomingRequestMessage(method string, ruri URI, hdrs Headers, content []byte) (*IncomingRequestMessage, error) {
	if method == "" || ruri.IsZero() {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrInvalidMessage))
	}
	req := &IncomingRequestMessage{Method: util.UCase(method), RequestURI: ruri}
	if err := req.init(hdrs, content); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return req, nil
}

func (r *IncomingRequestMessage) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("method", r.Method),
		slog.String("call_id", r.CallID),
		slog.Any("cseq", r.CSeq),
		slog.String("branch", r.ViaBranch),
	)
}

// IncomingResponseMessage is a response received from the transport.
type IncomingResponseMessage struct {
	incomingMessage

	StatusCode   int
	ReasonPhrase string
}

// NewIncomingResponseMessage creates and validates an incoming response.
func NewIncomingResponseMessage(code int, reason string, hdrs Headers, content []byte) (*IncomingResponseMessage, error) {
	if code < 100 || code > 699 {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid status code %d", code))
	}
	res := &IncomingResponseMessage{StatusCode: code, ReasonPhrase: reason}
	if err := res.init(hdrs, content); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return res, nil
}

func (r *IncomingResponseMessage) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("status", r.StatusCode),
		slog.String("method", r.CSeqMethod),
		slog.String("call_id", r.CallID),
		slog.Any("cseq", r.CSeq),
		slog.String("branch", r.ViaBranch),
	)
}
