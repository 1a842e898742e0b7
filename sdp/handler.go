// Package sdp provides the default session description handler of the user agent core.
package sdp

//go:generate errtrace -w .

import (
	"log/slog"
	"slices"
	"strings"

	"braces.dev/errtrace"
	"github.com/pion/sdp/v3"

	"github.com/ghettovoice/sipua/internal/errorutil"
	"github.com/ghettovoice/sipua/internal/util"
	"github.com/ghettovoice/sipua/log"
	"github.com/ghettovoice/sipua/sip"
)

const (
	ErrNotSDP           errorutil.Error = "body is not a session description"
	ErrNoMedia          errorutil.Error = "no media"
	ErrUnsupportedMedia errorutil.Error = "unsupported media"
)

const contentType = "application/sdp"

// Handler checks session descriptions with pion/sdp and builds answers declining offers.
// It implements [sip.SessionDescriptionHandler].
type Handler struct {
	// Media lists the accepted media types ("audio", "video"...). Empty accepts any media.
	Media []string
	// Address is put into the origin and connection lines of built answers, "0.0.0.0" if empty.
	Address string
	Log     *slog.Logger
}

var _ sip.SessionDescriptionHandler = (*Handler)(nil)

// NewHandler creates a handler accepting the media types.
func NewHandler(media ...string) *Handler {
	return &Handler{Media: media}
}

func (h *Handler) log() *slog.Logger {
	if h == nil || h.Log == nil {
		return log.Default()
	}
	return h.Log
}

func (h *Handler) address() string {
	if h == nil || h.Address == "" {
		return "0.0.0.0"
	}
	return h.Address
}

func (h *Handler) accepts(media string) bool {
	if h == nil || len(h.Media) == 0 {
		return true
	}
	return util.ContainsFold(h.Media, media)
}

// Parse decodes a session body.
func Parse(body *sip.Body) (*sdp.SessionDescription, error) {
	if body == nil || !util.EqFold(strings.TrimSpace(body.ContentType), contentType) {
		return nil, errtrace.Wrap(ErrNotSDP)
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body.Content); err != nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError(err))
	}
	return &desc, nil
}

// Validate reports whether the body is a session description with at least one active stream
// of an accepted media type.
func (h *Handler) Validate(body *sip.Body) error {
	desc, err := Parse(body)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return errtrace.Wrap(ErrNoMedia)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Port.Value != 0 && h.accepts(md.MediaName.Media) {
			return nil
		}
	}
	return errtrace.Wrap(ErrUnsupportedMedia)
}

// RejectOffer builds an answer with every offered stream disabled (RFC 3264 6).
// The answer keeps the order, media types and transports of the offer.
func (h *Handler) RejectOffer(offer *sip.Body) (*sip.Body, error) {
	desc, err := Parse(offer)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	addr := h.address()
	answer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      desc.Origin.SessionID,
			SessionVersion: desc.Origin.SessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}
	answer.MediaDescriptions = make([]*sdp.MediaDescription, 0, len(desc.MediaDescriptions))
	for _, md := range desc.MediaDescriptions {
		formats := md.MediaName.Formats
		if len(formats) > 1 {
			formats = formats[:1]
		}
		answer.MediaDescriptions = append(answer.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   md.MediaName.Media,
				Port:    sdp.RangedPort{Value: 0},
				Protos:  slices.Clone(md.MediaName.Protos),
				Formats: slices.Clone(formats),
			},
		})
	}

	raw, err := answer.Marshal()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	h.log().Debug("offer rejected", slog.Int("streams", len(answer.MediaDescriptions)))
	return sip.NewSessionBody(raw), nil
}
