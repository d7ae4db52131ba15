package stream

import "strings"

// Kind identifies what a single stream line carries.
type Kind int

const (
	Narrative Kind = iota
	Thought
	Error
	Link
	Suggestion
)

func (k Kind) String() string {
	switch k {
	case Narrative:
		return "narrative"
	case Thought:
		return "thought"
	case Error:
		return "error"
	case Link:
		return "link"
	case Suggestion:
		return "suggestion"
	default:
		return "unknown"
	}
}

// Record is one classified line. The prefix that selected Kind has already
// been removed from Payload.
type Record struct {
	Kind    Kind
	Payload string
}

// Line prefixes of the wire protocol.
const (
	PrefixThought    = "THOUGHT: "
	PrefixError      = "ERROR: "
	PrefixLink       = "LINK: "
	PrefixSuggestion = "SUGGESTION: "
	PrefixData       = "DATA: "
)

// prefixes is checked in order; the first match wins.
var prefixes = []struct {
	prefix string
	kind   Kind
}{
	{PrefixThought, Thought},
	{PrefixError, Error},
	{PrefixLink, Link},
	{PrefixSuggestion, Suggestion},
}

// Classify maps one complete line to a Record. Lines without a recognised
// prefix are narrative; a leading "DATA: " is stripped from them.
//
// The protocol has no escaping, so narrative text that happens to start
// with a prefix token is indistinguishable from a typed record. Producers
// are expected never to emit such lines; nothing here can detect it.
func Classify(line string) Record {
	for _, p := range prefixes {
		if payload, ok := strings.CutPrefix(line, p.prefix); ok {
			return Record{Kind: p.kind, Payload: payload}
		}
	}
	return Record{Kind: Narrative, Payload: strings.TrimPrefix(line, PrefixData)}
}
