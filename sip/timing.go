package sip

import (
	"encoding/json"
	"time"

	"braces.dev/errtrace"
)

// RFC 3261 timer base values.
const (
	T1    = 500 * time.Millisecond // round-trip time estimate
	T2    = 4 * time.Second        // retransmit interval cap
	T4    = 5 * time.Second        // maximum message lifetime in the network
	TimeD = 32 * time.Second       // INVITE response absorption on unreliable transports
	// TimeProgress is the interval between provisional responses of a pending INVITE (RFC 3261 13.3.1.1).
	TimeProgress = time.Minute
)

// TimingConfig holds the base timer values.
// Unset values, as well as a nil config, fall back to the package defaults.
// Timers A to N are derived from the base values.
type TimingConfig struct {
	t1, t2, t4, timeD, timeProgress time.Duration
}

// NewTimings creates a timing config. Zero arguments select the defaults.
func NewTimings(t1, t2, t4, timeD, timeProgress time.Duration) *TimingConfig {
	return &TimingConfig{t1: t1, t2: t2, t4: t4, timeD: timeD, timeProgress: timeProgress}
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func (c *TimingConfig) base() TimingConfig {
	if c == nil {
		return TimingConfig{}
	}
	return *c
}

func (c *TimingConfig) T1() time.Duration { return orDefault(c.base().t1, T1) }

func (c *TimingConfig) T2() time.Duration { return orDefault(c.base().t2, T2) }

func (c *TimingConfig) T4() time.Duration { return orDefault(c.base().t4, T4) }

func (c *TimingConfig) TimeProgress() time.Duration {
	return orDefault(c.base().timeProgress, TimeProgress)
}

// TimeD never goes below 64*T1.
func (c *TimingConfig) TimeD() time.Duration {
	return max(orDefault(c.base().timeD, TimeD), 64*c.T1())
}

// Retransmission starts.
func (c *TimingConfig) TimeA() time.Duration { return c.T1() }
func (c *TimingConfig) TimeE() time.Duration { return c.T1() }
func (c *TimingConfig) TimeG() time.Duration { return c.T1() }

// Transaction and dialog timeouts.
func (c *TimingConfig) TimeB() time.Duration { return 64 * c.T1() }
func (c *TimingConfig) TimeF() time.Duration { return 64 * c.T1() }
func (c *TimingConfig) TimeH() time.Duration { return 64 * c.T1() }
func (c *TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }
func (c *TimingConfig) TimeL() time.Duration { return 64 * c.T1() }
func (c *TimingConfig) TimeM() time.Duration { return 64 * c.T1() }

// TimeN bounds the wait for a NOTIFY (RFC 6665).
func (c *TimingConfig) TimeN() time.Duration { return 64 * c.T1() }

// Absorption of retransmissions on unreliable transports.
func (c *TimingConfig) TimeI() time.Duration { return c.T4() }
func (c *TimingConfig) TimeK() time.Duration { return c.T4() }

func (c *TimingConfig) IsZero() bool { return c.base() == TimingConfig{} }

// Validate checks that T2 is not shorter than T1.
func (c *TimingConfig) Validate() error {
	if c.T2() < c.T1() {
		return errtrace.Wrap(NewInvalidArgumentError("T2 %s is shorter than T1 %s", c.T2(), c.T1()))
	}
	return nil
}

// duration is a time.Duration encoded as a Go duration string ("500ms").
type duration time.Duration

func (d duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	*d = duration(v)
	return nil
}

type timingsJSON struct {
	T1           duration `json:"t1,omitzero"`
	T2           duration `json:"t2,omitzero"`
	T4           duration `json:"t4,omitzero"`
	TimeD        duration `json:"time_d,omitzero"`
	TimeProgress duration `json:"time_progress,omitzero"`
}

func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingsJSON{
		T1:           duration(c.t1),
		T2:           duration(c.t2),
		T4:           duration(c.t4),
		TimeD:        duration(c.timeD),
		TimeProgress: duration(c.timeProgress),
	}))
}

func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var v timingsJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return errtrace.Wrap(err)
	}
	*c = TimingConfig{
		t1:           time.Duration(v.T1),
		t2:           time.Duration(v.T2),
		t4:           time.Duration(v.T4),
		timeD:        time.Duration(v.TimeD),
		timeProgress: time.Duration(v.TimeProgress),
	}
	return errtrace.Wrap(c.Validate())
}
