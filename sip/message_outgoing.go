package sip

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/ghettovoice/sipua/internal/util"
)

// DefaultMaxForwards is the Max-Forwards value of outgoing requests.
const DefaultMaxForwards = 70

// OutgoingRequestOptions are the optional parts of an outgoing request.
type OutgoingRequestOptions struct {
	CallID          string
	CSeq            uint32
	FromDisplayName string
	ToDisplayName   string
	FromTag         string
	ToTag           string
	// RouteSet holds Route header values (name-addr form) in sending order.
	RouteSet   []string
	ViaHost    string
	ForceRport bool
	// OptionTags are listed in the Supported header.
	OptionTags  []string
	UserAgent   string
	MaxForwards int
}

// OutgoingRequestMessage is a request built by the engine.
// The Via header is completed by the client transaction with [OutgoingRequestMessage.SetViaHeader].
type OutgoingRequestMessage struct {
	Method       string
	RequestURI   URI
	From         NameAddr
	To           NameAddr
	CallID       string
	CSeq         uint32
	RouteSet     []string
	ExtraHeaders Headers
	Body         *Body

	ViaHost      string
	ViaTransport string
	Branch       string
	ForceRport   bool
	OptionTags   []string
	UserAgent    string
	MaxForwards  int
}

// NewOutgoingRequestMessage builds a request.
// Missing Call-ID, CSeq and From tag are generated.
func NewOutgoingRequestMessage(
	method string,
	ruri, from, to URI,
	opts *OutgoingRequestOptions,
	extraHeaders Headers,
	body *Body,
) *OutgoingRequestMessage {
	var o OutgoingRequestOptions
	if opts != nil {
		o = *opts
	}
	if o.CallID == "" {
		o.CallID = util.NewCallID()
	}
	if o.CSeq == 0 {
		o.CSeq = 1
	}
	if o.FromTag == "" {
		o.FromTag = util.NewTag()
	}
	if o.ViaHost == "" {
		o.ViaHost = util.NewTag() + ".invalid"
	}
	if o.MaxForwards == 0 {
		o.MaxForwards = DefaultMaxForwards
	}

	msg := &OutgoingRequestMessage{
		Method:       util.UCase(method),
		RequestURI:   ruri.Clone(),
		From:         NameAddr{DisplayName: o.FromDisplayName, URI: from.Clone()}.WithTag(o.FromTag),
		To:           NameAddr{DisplayName: o.ToDisplayName, URI: to.Clone()}.WithTag(o.ToTag),
		CallID:       o.CallID,
		CSeq:         o.CSeq,
		RouteSet:     append([]string(nil), o.RouteSet...),
		ExtraHeaders: extraHeaders.Clone(),
		Body:         body.clone(),
		ViaHost:      o.ViaHost,
		ForceRport:   o.ForceRport,
		OptionTags:   append([]string(nil), o.OptionTags...),
		UserAgent:    o.UserAgent,
		MaxForwards:  o.MaxForwards,
	}
	return msg
}

// FromTag returns the From tag.
func (m *OutgoingRequestMessage) FromTag() string { return m.From.Tag() }

// ToTag returns the To tag.
func (m *OutgoingRequestMessage) ToTag() string { return m.To.Tag() }

// SetViaHeader sets the branch and transport of the single Via header.
func (m *OutgoingRequestMessage) SetViaHeader(branch, transport string) {
	m.Branch = branch
	m.ViaTransport = util.UCase(transport)
}

// Via returns the Via header value of the request.
func (m *OutgoingRequestMessage) Via() ViaHop {
	v := ViaHop{Transport: m.ViaTransport, Host: m.ViaHost}
	if v.Transport == "" {
		v.Transport = "UDP"
	}
	v.Params = v.Params.Set("branch", m.Branch)
	if m.ForceRport {
		v.Params = v.Params.Set("rport", "")
	}
	return v
}

// SetHeader replaces an extra header.
func (m *OutgoingRequestMessage) SetHeader(name, value string) { m.ExtraHeaders.Set(name, value) }

// Header returns the first value of the named extra header.
func (m *OutgoingRequestMessage) Header(name string) string { return m.ExtraHeaders.Get(name) }

// Clone returns a deep copy of the request.
func (m *OutgoingRequestMessage) Clone() *OutgoingRequestMessage {
	c := *m
	c.RequestURI = m.RequestURI.Clone()
	c.From = m.From.WithTag(m.From.Tag())
	c.To = m.To.WithTag(m.To.Tag())
	c.RouteSet = append([]string(nil), m.RouteSet...)
	c.ExtraHeaders = m.ExtraHeaders.Clone()
	c.Body = m.Body.clone()
	c.OptionTags = append([]string(nil), m.OptionTags...)
	return &c
}

func (m *OutgoingRequestMessage) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(m.Method)
	sb.WriteByte(' ')
	sb.WriteString(m.RequestURI.String())
	sb.WriteString(" SIP/2.0\r\n")

	hdrs := make(Headers, 0, 10+len(m.RouteSet)+len(m.ExtraHeaders))
	hdrs.Add("Via", m.Via().String())
	hdrs.Add("Max-Forwards", strconv.Itoa(m.MaxForwards))
	for _, r := range m.RouteSet {
		hdrs.Add("Route", r)
	}
	hdrs.Add("To", m.To.String())
	hdrs.Add("From", m.From.String())
	hdrs.Add("Call-ID", m.CallID)
	hdrs.Add("CSeq", strconv.FormatUint(uint64(m.CSeq), 10)+" "+m.Method)
	hdrs = append(hdrs, m.ExtraHeaders...)
	if len(m.OptionTags) > 0 && m.Method != MethodAck && m.Method != MethodCancel && !m.ExtraHeaders.Has("Supported") {
		hdrs.Add("Supported", strings.Join(m.OptionTags, ", "))
	}
	if m.UserAgent != "" {
		hdrs.Add("User-Agent", m.UserAgent)
	}
	hdrs.writeTo(sb)
	writeBody(sb, m.Body)
	return sb.String()
}

func (m *OutgoingRequestMessage) LogValue() slog.Value {
	if m == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("method", m.Method),
		slog.String("call_id", m.CallID),
		slog.Any("cseq", m.CSeq),
		slog.String("branch", m.Branch),
	)
}

func writeBody(sb *strings.Builder, body *Body) {
	if body == nil || len(body.Content) == 0 {
		sb.WriteString("Content-Length: 0\r\n\r\n")
		return
	}
	if body.ContentDisposition != "" {
		sb.WriteString("Content-Disposition: ")
		sb.WriteString(body.ContentDisposition)
		sb.WriteString("\r\n")
	}
	sb.WriteString("Content-Type: ")
	sb.WriteString(body.ContentType)
	sb.WriteString("\r\nContent-Length: ")
	sb.WriteString(strconv.Itoa(len(body.Content)))
	sb.WriteString("\r\n\r\n")
	sb.Write(body.Content)
}

// ResponseOptions describe a response built by [ConstructOutgoingResponse].
type ResponseOptions struct {
	StatusCode   int
	ReasonPhrase string
	// ToTag is added to the To header when the request has none and the status is above 100.
	// A new tag is generated if empty.
	ToTag               string
	UserAgent           string
	SupportedOptionTags []string
	ExtraHeaders        Headers
	Body                *Body
}

// OutgoingResponse is a response built by the engine.
type OutgoingResponse struct {
	StatusCode   int
	ReasonPhrase string
	ToTag        string
	Headers      Headers
	Body         *Body

	message string
}

// ConstructOutgoingResponse builds a response to the request as described in RFC 3261 8.2.6.
func ConstructOutgoingResponse(req *IncomingRequestMessage, opts ResponseOptions) *OutgoingResponse {
	res := &OutgoingResponse{
		StatusCode:   opts.StatusCode,
		ReasonPhrase: opts.ReasonPhrase,
		Body:         opts.Body.clone(),
	}
	if res.ReasonPhrase == "" {
		res.ReasonPhrase = ReasonPhrase(res.StatusCode)
	}

	for _, h := range req.Headers {
		if CanonicalHeaderName(h.Name) == "Via" {
			res.Headers.Add("Via", h.Value)
		}
	}
	// Record-Route is mirrored only in responses that may establish a dialog.
	if res.StatusCode > 100 && res.StatusCode < 300 {
		for _, h := range req.Headers {
			if CanonicalHeaderName(h.Name) == "Record-Route" {
				res.Headers.Add("Record-Route", h.Value)
			}
		}
	}
	res.Headers.Add("From", req.Header("From"))

	to := req.Header("To")
	res.ToTag = req.ToTag
	if res.ToTag == "" && res.StatusCode > 100 {
		res.ToTag = opts.ToTag
		if res.ToTag == "" {
			res.ToTag = util.NewTag()
		}
		to += ";tag=" + res.ToTag
	}
	res.Headers.Add("To", to)
	res.Headers.Add("Call-ID", req.CallID)
	res.Headers.Add("CSeq", req.Header("CSeq"))
	res.Headers = append(res.Headers, opts.ExtraHeaders...)
	if len(opts.SupportedOptionTags) > 0 && !opts.ExtraHeaders.Has("Supported") {
		res.Headers.Add("Supported", strings.Join(opts.SupportedOptionTags, ", "))
	}
	if opts.UserAgent != "" {
		res.Headers.Add("User-Agent", opts.UserAgent)
	}
	return res
}

// Header returns the first value of the named header.
func (r *OutgoingResponse) Header(name string) string { return r.Headers.Get(name) }

func (r *OutgoingResponse) String() string {
	if r.message != "" {
		return r.message
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString("SIP/2.0 ")
	sb.WriteString(strconv.Itoa(r.StatusCode))
	sb.WriteByte(' ')
	sb.WriteString(r.ReasonPhrase)
	sb.WriteString("\r\n")
	r.Headers.writeTo(sb)
	writeBody(sb, r.Body)
	r.message = sb.String()
	return r.message
}

func (r *OutgoingResponse) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("status", r.StatusCode),
		slog.String("to_tag", r.ToTag),
	)
}
