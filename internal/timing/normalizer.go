package timing

import (
	"strings"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
)

// rateLimitCategory is the single category used for the Normalizer's
// optional global rate limit; every accepted tag shares it.
const rateLimitCategory = "__global__"

// NormalizerConfig tunes the validation, de-duplication, and rate-limit
// behavior of the Normalizer (§4.1).
type NormalizerConfig struct {
	MinTagLen     int           // default 7
	DedupWindow   time.Duration // default 3s
	RateLimitPerS int           // 0 disables the optional global rate limit
}

func (c NormalizerConfig) withDefaults() NormalizerConfig {
	if c.MinTagLen <= 0 {
		c.MinTagLen = 7
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 3 * time.Second
	}
	return c
}

// Normalizer turns raw decoder output into typed Pass values, applying
// per-tag de-duplication and an optional global rate limit. It never
// retries: every call either emits exactly one Pass or a labeled reason.
//
// The de-duplication window and the rate limit are both implemented as
// sliding-window limiters (one category per tag for dedup, a single shared
// category for the rate limit) rather than a hand-rolled map-plus-mutex.
type Normalizer struct {
	cfg     NormalizerConfig
	dedup   *catrate.Limiter
	rate    *catrate.Limiter
	Logger  zerolog.Logger
}

// NewNormalizer constructs a Normalizer from cfg, applying defaults for any
// zero-valued field.
func NewNormalizer(cfg NormalizerConfig, logger zerolog.Logger) *Normalizer {
	cfg = cfg.withDefaults()

	n := &Normalizer{cfg: cfg, Logger: logger}
	n.dedup = catrate.NewLimiter(map[time.Duration]int{cfg.DedupWindow: 1})
	if cfg.RateLimitPerS > 0 {
		n.rate = catrate.NewLimiter(map[time.Duration]int{time.Second: cfg.RateLimitPerS})
	}
	return n
}

// RawDetection is an unvalidated decoder event: a tag-like string plus
// optional device metadata.
type RawDetection struct {
	RawTag     string
	TsRecvMs   int64
	DeviceID   string
	HasDevice  bool
	DeviceSecs float64
}

// Normalize validates and de-duplicates a RawDetection, returning a Pass
// ready for routing, or ok=false with a labeled reason logged at debug
// level.
func (n *Normalizer) Normalize(raw RawDetection) (Pass, bool) {
	tag := digitsOnly(raw.RawTag)
	if len(tag) < n.cfg.MinTagLen {
		n.Logger.Debug().Str("raw", raw.RawTag).Str("reason", "rejected_short").Msg("normalize")
		return Pass{}, false
	}

	if _, allowed := n.dedup.Allow(tag); !allowed {
		n.Logger.Debug().Str("tag", tag).Str("reason", "dedup_suppressed").Msg("normalize")
		return Pass{}, false
	}

	if n.rate != nil {
		if _, allowed := n.rate.Allow(rateLimitCategory); !allowed {
			n.Logger.Debug().Str("tag", tag).Str("reason", "rate_limited").Msg("normalize")
			return Pass{}, false
		}
	}

	n.Logger.Debug().Str("tag", tag).Str("reason", "accepted").Msg("normalize")
	return Pass{
		Tag:        tag,
		TsRecvMs:   raw.TsRecvMs,
		Source:     SourceTrack,
		DeviceID:   raw.DeviceID,
		HasDevice:  raw.HasDevice,
		DeviceSecs: raw.DeviceSecs,
	}, true
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
