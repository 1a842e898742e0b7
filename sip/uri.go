package sip

import (
	"cmp"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	sipgo "github.com/emiago/sipgo/sip"

	"github.com/ghettovoice/sipua/internal/util"
)

// Param is a URI or header parameter. Empty value denotes a flag parameter.
type Param struct {
	Name, Value string
}

// Params is an ordered list of parameters.
type Params []Param

// Get returns the value of the named parameter; names are case-insensitive.
func (ps Params) Get(name string) (string, bool) {
	for _, p := range ps {
		if util.EqFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Has reports whether the named parameter exists.
func (ps Params) Has(name string) bool {
	_, ok := ps.Get(name)
	return ok
}

// Set replaces the named parameter or appends it.
func (ps Params) Set(name, value string) Params {
	for i, p := range ps {
		if util.EqFold(p.Name, name) {
			ps[i].Value = value
			return ps
		}
	}
	return append(ps, Param{name, value})
}

// Del removes the named parameter.
func (ps Params) Del(name string) Params {
	out := ps[:0]
	for _, p := range ps {
		if !util.EqFold(p.Name, name) {
			out = append(out, p)
		}
	}
	return out
}

func (ps Params) clone() Params {
	if ps == nil {
		return nil
	}
	return append(Params(nil), ps...)
}

func (ps Params) writeTo(sb *strings.Builder) {
	for _, p := range ps {
		sb.WriteByte(';')
		sb.WriteString(p.Name)
		if p.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(p.Value)
		}
	}
}

// paramsOf converts parameters parsed by sipgo, keeping the order they appear in src.
func paramsOf(src string, hp sipgo.HeaderParams) Params {
	keys := hp.Keys()
	if len(keys) == 0 {
		return nil
	}
	slices.SortStableFunc(keys, func(a, b string) int {
		return cmp.Compare(paramPos(src, a), paramPos(src, b))
	})
	ps := make(Params, 0, len(keys))
	for _, k := range keys {
		v, _ := hp.Get(k)
		ps = append(ps, Param{k, v})
	}
	return ps
}

// paramPos returns the offset of the named parameter in src or len(src) if it is absent.
func paramPos(src, name string) int {
	for off := 0; off < len(src); {
		i := strings.Index(src[off:], name)
		if i < 0 {
			break
		}
		i += off
		end := i + len(name)
		if i > 0 && strings.IndexByte(";?&", src[i-1]) >= 0 &&
			(end == len(src) || strings.IndexByte("=;&>, ", src[end]) >= 0) {
			return i
		}
		off = i + 1
	}
	return len(src)
}

// URI is a SIP, SIPS or other absolute URI.
// SIP and SIPS URIs are split into components, other schemes keep the part after the colon in Opaque.
type URI struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     int
	Params   Params
	Headers  Params
	Opaque   string
}

// ParseURI parses a URI like "sip:alice@example.com:5060;transport=ws".
func ParseURI(s string) (URI, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" || rest == "" {
		return URI{}, errtrace.Wrap(NewInvalidArgumentError("invalid URI %q", s))
	}
	scheme = util.LCase(scheme)
	if scheme != "sip" && scheme != "sips" {
		return URI{Scheme: scheme, Opaque: rest}, nil
	}

	var u sipgo.Uri
	if err := sipgo.ParseUri(s, &u); err != nil {
		return URI{}, errtrace.Wrap(NewInvalidArgumentError("invalid URI %q: %v", s, err))
	}
	if u.Host == "" {
		return URI{}, errtrace.Wrap(NewInvalidArgumentError("missing URI host %q", s))
	}
	return uriOf(s, scheme, &u), nil
}

// URIFromSipgo converts a URI parsed by sipgo.
func URIFromSipgo(u *sipgo.Uri) URI {
	scheme := util.LCase(u.Scheme)
	if scheme == "" {
		scheme = "sip"
	}
	return uriOf(u.String(), scheme, u)
}

func uriOf(src, scheme string, u *sipgo.Uri) URI {
	return URI{
		Scheme:   scheme,
		User:     u.User,
		Password: u.Password,
		Host:     u.Host,
		Port:     u.Port,
		Params:   paramsOf(src, u.UriParams),
		Headers:  paramsOf(src, u.Headers),
	}
}

// MustParseURI is like [ParseURI] but panics on error.
func MustParseURI(s string) URI {
	u, err := ParseURI(s)
	if err != nil {
		panic(err)
	}
	return u
}

// IsZero reports whether the URI is empty.
func (u URI) IsZero() bool { return u.Scheme == "" }

// IsSIP reports whether the URI scheme is sip or sips.
func (u URI) IsSIP() bool { return u.Scheme == "sip" || u.Scheme == "sips" }

// Clone returns a deep copy of the URI.
func (u URI) Clone() URI {
	u.Params = u.Params.clone()
	u.Headers = u.Headers.clone()
	return u
}

func (u URI) String() string {
	if u.IsZero() {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if !u.IsSIP() {
		sb.WriteString(u.Opaque)
		return sb.String()
	}
	if u.User != "" {
		sb.WriteString(u.User)
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Password)
		}
		sb.WriteByte('@')
	}
	sb.WriteString(u.Host)
	if u.Port > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(u.Port))
	}
	u.Params.writeTo(sb)
	for i, h := range u.Headers {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(h.Name)
		sb.WriteByte('=')
		sb.WriteString(h.Value)
	}
	return sb.String()
}

func (u URI) LogValue() slog.Value { return slog.StringValue(u.String()) }

// NameAddr is a name-addr or addr-spec header value with header parameters,
// as found in From, To, Contact, Route and Record-Route.
type NameAddr struct {
	DisplayName string
	URI         URI
	Params      Params
}

// ParseNameAddr parses values like `"Alice" <sip:alice@example.com>;tag=1928301774`.
// Parameters following a bare addr-spec are treated as header parameters.
func ParseNameAddr(s string) (NameAddr, error) {
	s = strings.TrimSpace(s)

	var u sipgo.Uri
	hp := sipgo.NewParams()
	name, err := sipgo.ParseAddressValue(s, &u, hp)
	if err != nil {
		return NameAddr{}, errtrace.Wrap(NewInvalidArgumentError("invalid name-addr %q: %v", s, err))
	}
	if u.Host == "" {
		return NameAddr{}, errtrace.Wrap(NewInvalidArgumentError("missing URI host %q", s))
	}

	scheme := util.LCase(u.Scheme)
	if scheme == "" {
		scheme = "sip"
	}
	uriSrc, paramsSrc := s, s
	if lt, gt := strings.IndexByte(s, '<'), strings.LastIndexByte(s, '>'); lt >= 0 && gt > lt {
		uriSrc, paramsSrc = s[lt+1:gt], s[gt+1:]
	}
	return NameAddr{
		DisplayName: strings.Trim(strings.TrimSpace(name), `"`),
		URI:         uriOf(uriSrc, scheme, &u),
		Params:      paramsOf(paramsSrc, hp),
	}, nil
}

// Tag returns the tag parameter.
func (na NameAddr) Tag() string {
	v, _ := na.Params.Get("tag")
	return v
}

// WithTag returns a copy with the tag parameter set; empty tag removes it.
func (na NameAddr) WithTag(tag string) NameAddr {
	na.Params = na.Params.clone()
	if tag == "" {
		na.Params = na.Params.Del("tag")
	} else {
		na.Params = na.Params.Set("tag", tag)
	}
	return na
}

func (na NameAddr) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	if na.DisplayName != "" {
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(na.DisplayName, `"`, `\"`))
		sb.WriteString(`" `)
	}
	sb.WriteByte('<')
	sb.WriteString(na.URI.String())
	sb.WriteByte('>')
	na.Params.writeTo(sb)
	return sb.String()
}

// ViaHop is a single Via header value.
type ViaHop struct {
	Transport string
	Host      string
	Port      int
	Params    Params
}

// ParseVia parses a single via-parm like "SIP/2.0/WSS df7jal23ls0d.invalid;branch=z9hG4bK776asdhds".
// The sent-by and via parameters share the hostport and uri-parameter grammar of a SIP URI
// and are parsed by sipgo as such.
func ParseVia(s string) (ViaHop, error) {
	s = strings.TrimSpace(s)
	proto, sentBy, ok := strings.Cut(s, " ")
	parts := strings.Split(proto, "/")
	if !ok || len(parts) != 3 || !util.EqFold(parts[0], "SIP") {
		return ViaHop{}, errtrace.Wrap(NewInvalidArgumentError("invalid Via %q", s))
	}
	sentBy = strings.TrimSpace(sentBy)

	var u sipgo.Uri
	if err := sipgo.ParseUri("sip:"+sentBy, &u); err != nil {
		return ViaHop{}, errtrace.Wrap(NewInvalidArgumentError("invalid Via %q: %v", s, err))
	}
	if u.Host == "" {
		return ViaHop{}, errtrace.Wrap(NewInvalidArgumentError("missing Via host %q", s))
	}
	return ViaHop{
		Transport: util.UCase(strings.TrimSpace(parts[2])),
		Host:      u.Host,
		Port:      u.Port,
		Params:    paramsOf(sentBy, u.UriParams),
	}, nil
}

// Branch returns the branch parameter.
func (v ViaHop) Branch() string {
	b, _ := v.Params.Get("branch")
	return b
}

func (v ViaHop) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString("SIP/2.0/")
	sb.WriteString(v.Transport)
	sb.WriteByte(' ')
	sb.WriteString(v.Host)
	if v.Port > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(v.Port))
	}
	v.Params.writeTo(sb)
	return sb.String()
}
