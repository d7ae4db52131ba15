package stream

import (
	"errors"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Splitter turns arbitrary byte chunks of one stream into complete lines.
//
// Bytes are decoded as UTF-8 incrementally: a multi-byte sequence cut by a
// chunk boundary is held back until the rest of it arrives, and invalid
// bytes decode to U+FFFD. Decoded text is split on '\n'; the trailing
// fragment is buffered until a later chunk or Flush completes it.
type Splitter struct {
	decoder   transform.Transformer
	undecoded []byte
	pending   strings.Builder
}

// NewSplitter returns a Splitter for a fresh stream.
func NewSplitter() *Splitter {
	return &Splitter{decoder: unicode.UTF8.NewDecoder()}
}

// Write decodes chunk and returns every line it completed, in order.
// Empty lines are returned as empty strings.
func (s *Splitter) Write(chunk []byte) []string {
	s.pending.WriteString(s.decode(chunk, false))
	return s.drain()
}

// Flush ends the stream: any held-back bytes are decoded and the buffered
// fragment is returned as a final line, without waiting for a terminator.
// A stream that ended exactly on '\n' yields no extra line.
func (s *Splitter) Flush() []string {
	s.pending.WriteString(s.decode(nil, true))
	lines := s.drain()
	if rest := s.pending.String(); rest != "" {
		lines = append(lines, rest)
	}
	s.pending.Reset()
	s.decoder.Reset()
	return lines
}

// Pending reports the buffered, not yet terminated fragment.
func (s *Splitter) Pending() string {
	return s.pending.String()
}

func (s *Splitter) drain() []string {
	buf := s.pending.String()
	idx := strings.LastIndexByte(buf, '\n')
	if idx < 0 {
		return nil
	}

	lines := strings.Split(buf[:idx], "\n")
	s.pending.Reset()
	s.pending.WriteString(buf[idx+1:])
	return lines
}

func (s *Splitter) decode(chunk []byte, atEOF bool) string {
	src := append(s.undecoded, chunk...)
	s.undecoded = nil
	if len(src) == 0 {
		return ""
	}

	var out strings.Builder
	// Replacement characters take three bytes per invalid input byte.
	dst := make([]byte, 3*len(src)+4)
	for len(src) > 0 {
		nDst, nSrc, err := s.decoder.Transform(dst, src, atEOF)
		out.Write(dst[:nDst])
		src = src[nSrc:]

		if errors.Is(err, transform.ErrShortDst) && nSrc > 0 {
			continue
		}
		if errors.Is(err, transform.ErrShortSrc) {
			s.undecoded = append([]byte(nil), src...)
		}
		break
	}
	return out.String()
}
