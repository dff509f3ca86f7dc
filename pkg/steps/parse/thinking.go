package parse

import (
	"strings"
)

const (
	DefaultThinkingOpen  = "<think>"
	DefaultThinkingClose = "</think>"
)

// ThinkingSplitter separates reasoning markup from the final answer text.
//
// Everything outside open/close marker pairs is content, everything inside is thinking.
// Several reasoning segments may be interleaved with plain text; their bodies are joined with
// a newline. An open marker without a matching close marker turns the rest of the input into
// thinking, which is what a stream still in flight looks like.
type ThinkingSplitter struct {
	Open  string
	Close string
}

func NewThinkingSplitter(open, close string) *ThinkingSplitter {
	if open == "" {
		open = DefaultThinkingOpen
	}
	if close == "" {
		close = DefaultThinkingClose
	}
	return &ThinkingSplitter{Open: open, Close: close}
}

var defaultSplitter = NewThinkingSplitter(DefaultThinkingOpen, DefaultThinkingClose)

// SplitThinking splits raw using the default <think></think> markers.
func SplitThinking(raw string) (string, *string) {
	return defaultSplitter.Split(raw)
}

// Split returns the trimmed content and the thinking text, or nil when there is no
// non-empty reasoning segment.
func (s *ThinkingSplitter) Split(raw string) (string, *string) {
	return s.split(raw, false)
}

// SplitPartial behaves like Split but holds back a trailing fragment that could still grow
// into a marker, so that "<thi" never flashes up as content while chunks are arriving.
func (s *ThinkingSplitter) SplitPartial(raw string) (string, *string) {
	return s.split(raw, true)
}

func (s *ThinkingSplitter) split(raw string, partial bool) (string, *string) {
	var content, thinking strings.Builder

	rest := raw
	for {
		i := strings.Index(rest, s.Open)
		if i < 0 {
			if partial {
				rest = trimDanglingPrefix(rest, s.Open)
			}
			content.WriteString(rest)
			break
		}
		content.WriteString(rest[:i])
		rest = rest[i+len(s.Open):]

		j := strings.Index(rest, s.Close)
		if j < 0 {
			if partial {
				rest = trimDanglingPrefix(rest, s.Close)
			}
			appendSegment(&thinking, rest)
			break
		}
		appendSegment(&thinking, rest[:j])
		rest = rest[j+len(s.Close):]
	}

	c := strings.TrimSpace(content.String())
	if thinking.Len() == 0 {
		return c, nil
	}
	t := thinking.String()
	return c, &t
}

func appendSegment(b *strings.Builder, segment string) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(segment)
}

// trimDanglingPrefix drops the longest suffix of s that is a proper prefix of marker.
func trimDanglingPrefix(s string, marker string) string {
	n := len(marker) - 1
	if n > len(s) {
		n = len(s)
	}
	for k := n; k > 0; k-- {
		if strings.HasSuffix(s, marker[:k]) {
			return s[:len(s)-k]
		}
	}
	return s
}
