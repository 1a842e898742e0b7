package util

import (
	"strings"

	"github.com/google/uuid"
)

// MagicCookie prefixes every RFC 3261 compliant Via branch.
const MagicCookie = "z9hG4bK"

func newUUID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func compact(id uuid.UUID) string { return strings.ReplaceAll(id.String(), "-", "") }

// NewCallID returns a globally unique Call-ID value.
func NewCallID() string { return compact(newUUID()) }

// NewBranch returns a new Via branch starting with [MagicCookie].
func NewBranch() string { return MagicCookie + compact(uuid.New())[:20] }

// NewTag returns a new From/To tag.
func NewTag() string { return compact(uuid.New())[:12] }

// NewInvalidHost returns a random host name in the "invalid" domain,
// as used in Via and Contact by clients without a reachable address (RFC 7118).
func NewInvalidHost() string { return compact(uuid.New())[:12] + ".invalid" }
