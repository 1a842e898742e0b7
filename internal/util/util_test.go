package util_test

import (
	"strings"
	"testing"

	"github.com/ghettovoice/sipua/internal/util"
)

func TestContainsFold(t *testing.T) {
	t.Parallel()

	cases := []struct {
		vals []string
		v    string
		want bool
	}{
		{nil, "100rel", false},
		{[]string{"timer", "100REL"}, "100rel", true},
		{[]string{"timer"}, "100rel", false},
	}
	for _, c := range cases {
		if got := util.ContainsFold(c.vals, c.v); got != c.want {
			t.Errorf("ContainsFold(%q, %q) = %v, want %v", c.vals, c.v, got, c.want)
		}
	}
}

func TestIdentifiers(t *testing.T) {
	t.Parallel()

	if b := util.NewBranch(); !strings.HasPrefix(b, util.MagicCookie) {
		t.Errorf("NewBranch() = %q, want %q prefix", b, util.MagicCookie)
	}
	if a, b := util.NewTag(), util.NewTag(); a == b || a == "" {
		t.Errorf("NewTag() returned %q and %q, want distinct non empty tags", a, b)
	}
	if a, b := util.NewCallID(), util.NewCallID(); a == b {
		t.Errorf("NewCallID() returned duplicate %q", a)
	}
	if h := util.NewInvalidHost(); !strings.HasSuffix(h, ".invalid") || len(h) != len("0123456789ab.invalid") {
		t.Errorf("NewInvalidHost() = %q, want 12 characters in the .invalid domain", h)
	}
}
