package telegram

import (
	"unicode/utf16"

	"mirrorbot/internal/mirror"
)

// Bot API limits, in UTF-16 code units.
const (
	textLimit    = 4096
	captionLimit = 1024
)

type chunk struct {
	text  string
	spans []mirror.Span
}

// splitText cuts text into chunks of at most limit UTF-16 units. It
// prefers newline boundaries and rebases spans onto each chunk; a span
// crossing a cut is clipped on both sides.
func splitText(text string, spans []mirror.Span, limit int) []chunk {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(text)
	off := make([]int, len(rs)+1)
	for i, r := range rs {
		w := utf16.RuneLen(r)
		if w < 1 {
			w = 1
		}
		off[i+1] = off[i] + w
	}
	if off[len(rs)] <= limit {
		return []chunk{{text: text, spans: spans}}
	}

	out := make([]chunk, 0, off[len(rs)]/limit+1)
	start := 0
	for start < len(rs) {
		end := start
		for end < len(rs) && off[end+1]-off[start] <= limit {
			end++
		}
		if end == start {
			end = start + 1
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && off[i]-off[start] >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		stop := end
		for stop > start && rs[stop-1] == '\n' {
			stop--
		}
		if stop > start {
			out = append(out, chunk{
				text:  string(rs[start:stop]),
				spans: clipSpans(spans, off[start], off[stop]),
			})
		}

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// clipCaption keeps the leading part of a caption that fits one media
// message.
func clipCaption(text string, spans []mirror.Span) (string, []mirror.Span) {
	chunks := splitText(text, spans, captionLimit)
	if len(chunks) == 0 {
		return "", nil
	}
	return chunks[0].text, chunks[0].spans
}

func clipSpans(spans []mirror.Span, lo, hi int) []mirror.Span {
	var out []mirror.Span
	for _, s := range spans {
		a, b := max(s.Offset, lo), min(s.Offset+s.Length, hi)
		if b <= a {
			continue
		}
		s.Offset = a - lo
		s.Length = b - a
		out = append(out, s)
	}
	return out
}
