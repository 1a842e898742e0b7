package sip

import (
	"net/textproto"
	"strings"

	"github.com/ghettovoice/sipua/internal/util"
)

// Header is a single header field.
type Header struct {
	Name, Value string
}

// Headers is an ordered list of header fields.
// Lookups are case-insensitive and understand compact header forms.
type Headers []Header

var compactHdrNames = map[string]string{
	"a": "Accept-Contact",
	"b": "Referred-By",
	"c": "Content-Type",
	"e": "Content-Encoding",
	"f": "From",
	"i": "Call-ID",
	"k": "Supported",
	"l": "Content-Length",
	"m": "Contact",
	"o": "Event",
	"r": "Refer-To",
	"s": "Subject",
	"t": "To",
	"u": "Allow-Events",
	"v": "Via",
	"x": "Session-Expires",
}

var specialHdrNames = map[string]string{
	"call-id":             "Call-ID",
	"cseq":                "CSeq",
	"rseq":                "RSeq",
	"rack":                "RAck",
	"www-authenticate":    "WWW-Authenticate",
	"mime-version":        "MIME-Version",
	"sip-etag":            "SIP-ETag",
	"sip-if-match":        "SIP-If-Match",
	"subscription-state":  "Subscription-State",
	"p-asserted-identity": "P-Asserted-Identity",
}

// tokenListHdrNames are the headers holding comma separated tokens.
// Address lists (Via, Contact, Route, Record-Route) arrive from the wire parser one value per header.
var tokenListHdrNames = map[string]bool{
	"Accept":        true,
	"Allow":         true,
	"Allow-Events":  true,
	"Proxy-Require": true,
	"Require":       true,
	"Supported":     true,
	"Unsupported":   true,
}

// CanonicalHeaderName returns the canonical form of a header name, expanding compact forms.
func CanonicalHeaderName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) == 1 {
		if full, ok := compactHdrNames[util.LCase(name)]; ok {
			return full
		}
	}
	if s, ok := specialHdrNames[util.LCase(name)]; ok {
		return s
	}
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Get returns the first value of the named header.
func (hs Headers) Get(name string) string {
	name = CanonicalHeaderName(name)
	for _, h := range hs {
		if CanonicalHeaderName(h.Name) == name {
			return h.Value
		}
	}
	return ""
}

// Has reports whether the named header is present.
func (hs Headers) Has(name string) bool {
	name = CanonicalHeaderName(name)
	for _, h := range hs {
		if CanonicalHeaderName(h.Name) == name {
			return true
		}
	}
	return false
}

// Values returns all values of the named header in order.
// Token list headers are split into separate tokens.
func (hs Headers) Values(name string) []string {
	name = CanonicalHeaderName(name)
	var vals []string
	for _, h := range hs {
		if CanonicalHeaderName(h.Name) != name {
			continue
		}
		if tokenListHdrNames[name] {
			for _, tok := range strings.Split(h.Value, ",") {
				if tok = strings.TrimSpace(tok); tok != "" {
					vals = append(vals, tok)
				}
			}
		} else {
			vals = append(vals, h.Value)
		}
	}
	return vals
}

// Add appends a header.
func (hs *Headers) Add(name, value string) {
	*hs = append(*hs, Header{CanonicalHeaderName(name), value})
}

// Set replaces all headers with the name by a single value, keeping the position of the first one.
func (hs *Headers) Set(name, value string) {
	name = CanonicalHeaderName(name)
	out := (*hs)[:0]
	set := false
	for _, h := range *hs {
		if CanonicalHeaderName(h.Name) != name {
			out = append(out, h)
			continue
		}
		if !set {
			out = append(out, Header{name, value})
			set = true
		}
	}
	if !set {
		out = append(out, Header{name, value})
	}
	*hs = out
}

// Del removes all headers with the name.
func (hs *Headers) Del(name string) {
	name = CanonicalHeaderName(name)
	out := (*hs)[:0]
	for _, h := range *hs {
		if CanonicalHeaderName(h.Name) != name {
			out = append(out, h)
		}
	}
	*hs = out
}

// Clone returns a copy of the headers.
func (hs Headers) Clone() Headers {
	if hs == nil {
		return nil
	}
	return append(Headers(nil), hs...)
}

func (hs Headers) writeTo(sb *strings.Builder) {
	for _, h := range hs {
		sb.WriteString(h.Name)
		sb.WriteString(": ")
		sb.WriteString(h.Value)
		sb.WriteString("\r\n")
	}
}
