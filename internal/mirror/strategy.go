package mirror

import "unicode/utf8"

// Strategy is how a message is relayed.
type Strategy int

const (
	StrategyDirect Strategy = iota
	StrategyBypass
	StrategyBatch
	StrategyOptimized
	StrategySmart
)

func (s Strategy) String() string {
	switch s {
	case StrategyBypass:
		return "bypass"
	case StrategyBatch:
		return "batch"
	case StrategyOptimized:
		return "optimized"
	case StrategySmart:
		return "smart"
	default:
		return "direct"
	}
}

// SelectorConfig holds the fixed thresholds of SelectStrategy.
type SelectorConfig struct {
	Bypass          bool
	Batch           bool
	BatchTextLimit  int   // runes; shorter text-only messages are batched
	LargeMediaBytes int64 // media at or above this size is OPTIMIZED
	SmartSpanCount  int   // more spans than this is SMART
}

func (c SelectorConfig) withDefaults() SelectorConfig {
	if c.BatchTextLimit <= 0 {
		c.BatchTextLimit = 100
	}
	if c.LargeMediaBytes <= 0 {
		c.LargeMediaBytes = 10 << 20
	}
	if c.SmartSpanCount <= 0 {
		c.SmartSpanCount = 5
	}
	return c
}

// SelectStrategy classifies m. It has no side effects.
func SelectStrategy(m Message, cfg SelectorConfig) Strategy {
	cfg = cfg.withDefaults()

	if m.Restricted && cfg.Bypass {
		return StrategyBypass
	}

	switch m.Kind() {
	case ContentNone:
		if cfg.Batch && m.Text != "" && utf8.RuneCountInString(m.Text) < cfg.BatchTextLimit {
			return StrategyBatch
		}
	case ContentPhoto, ContentVideo, ContentAudio, ContentVoice, ContentVideoNote,
		ContentAnimation, ContentSticker, ContentDocument:
		if m.Media.Size >= cfg.LargeMediaBytes {
			return StrategyOptimized
		}
	case ContentPoll, ContentGeo:
	}

	if len(m.Spans) > cfg.SmartSpanCount {
		return StrategySmart
	}
	return StrategyDirect
}
