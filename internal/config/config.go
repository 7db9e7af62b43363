// Package config holds the reliability engine's tunable parameters (spec
// §4, §5) and an optional INI-backed defaults file shared by all three
// CLIs, mirroring samsamfire-gocanopen's use of gopkg.in/ini.v1 for node
// configuration.
package config

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Defaults for the tuning parameters named throughout spec.md. These are
// parameters, not magic constants buried in the hot path (spec §5).
const (
	DefaultTimeout            = 200 * time.Millisecond
	DefaultTimeoutSACK        = 400 * time.Millisecond
	DefaultMaxRetries         = 3
	DefaultFragmentSize       = 8192
	DefaultSendWindowSize     = 16
	DefaultSACKWindowSize     = 8
	DefaultMaxSACDiff         = 30
	DefaultPackageSendDelay   = 5 * time.Millisecond
	DefaultReadTimeoutIdle    = 60 * time.Second
	maxRepresentableSACKDiff  = 31 // bitmap width - 1, spec §9(b)
)

// Params bundles every tunable the engines read. Callers construct one with
// Defaults() and may override fields from CLI flags or an ini file before
// passing it down.
type Params struct {
	Host     string
	Port     int
	Protocol string

	Timeout          time.Duration
	TimeoutSACK      time.Duration
	MaxRetries       int
	FragmentSize     int
	SendWindowSize   int
	SACKWindowSize   int
	MaxSACDiff       int
	PackageSendDelay time.Duration
}

// Defaults returns a Params populated with spec.md's stated defaults.
func Defaults() Params {
	return Params{
		Protocol:         "stop_and_wait",
		Timeout:          DefaultTimeout,
		TimeoutSACK:      DefaultTimeoutSACK,
		MaxRetries:       DefaultMaxRetries,
		FragmentSize:     DefaultFragmentSize,
		SendWindowSize:   DefaultSendWindowSize,
		SACKWindowSize:   DefaultSACKWindowSize,
		MaxSACDiff:       DefaultMaxSACDiff,
		PackageSendDelay: DefaultPackageSendDelay,
	}
}

// Clamp enforces the invariant from spec §9(b): MAX_SAC_DIF must stay
// within the bitmap's 32-bit addressable range so every advertised gap is
// representable, and the receiver's out-of-order window (SACK_WINDOW_SIZE)
// is held to that same range for the same reason.
func (p *Params) Clamp() {
	if p.MaxSACDiff > maxRepresentableSACKDiff {
		p.MaxSACDiff = maxRepresentableSACKDiff
	}
	if p.MaxSACDiff < 1 {
		p.MaxSACDiff = 1
	}
	if p.SACKWindowSize > maxRepresentableSACKDiff+1 {
		p.SACKWindowSize = maxRepresentableSACKDiff + 1
	}
	if p.SACKWindowSize < 1 {
		p.SACKWindowSize = 1
	}
}

// LoadFile merges host/port/protocol/window defaults from an ini file on
// top of p, leaving any field the file doesn't mention untouched. Shared
// by all three CLIs via an optional -c/--config flag; CLI flags that were
// explicitly set by the user should be applied after LoadFile so they win.
func LoadFile(p *Params, path string) error {
	cfg, err := ini.Load(path)
	if err != nil {
		return errors.Wrapf(err, "config: load %q", path)
	}
	sec := cfg.Section("transfer")

	if k := sec.Key("host"); k.String() != "" {
		p.Host = k.String()
	}
	if k := sec.Key("port"); k.String() != "" {
		v, err := k.Int()
		if err != nil {
			return errors.Wrap(err, "config: parse port")
		}
		p.Port = v
	}
	if k := sec.Key("protocol"); k.String() != "" {
		p.Protocol = k.String()
	}
	if k := sec.Key("fragment_size"); k.String() != "" {
		v, err := k.Int()
		if err != nil {
			return errors.Wrap(err, "config: parse fragment_size")
		}
		p.FragmentSize = v
	}
	if k := sec.Key("send_window_size"); k.String() != "" {
		v, err := k.Int()
		if err != nil {
			return errors.Wrap(err, "config: parse send_window_size")
		}
		p.SendWindowSize = v
	}
	if k := sec.Key("sack_window_size"); k.String() != "" {
		v, err := k.Int()
		if err != nil {
			return errors.Wrap(err, "config: parse sack_window_size")
		}
		p.SACKWindowSize = v
	}
	if k := sec.Key("max_sac_diff"); k.String() != "" {
		v, err := k.Int()
		if err != nil {
			return errors.Wrap(err, "config: parse max_sac_diff")
		}
		p.MaxSACDiff = v
	}
	p.Clamp()
	return nil
}

// ErrUnsupportedProtocol is a local configuration error, fatal before any
// network activity (spec §7).
var ErrUnsupportedProtocol = errors.New("config: unsupported protocol")

// ParseProtocol validates the --protocol flag value.
func ParseProtocol(name string) (stopAndWait bool, err error) {
	switch name {
	case "stop_and_wait":
		return true, nil
	case "sack":
		return false, nil
	default:
		return false, errors.Wrapf(ErrUnsupportedProtocol, "%q", name)
	}
}
