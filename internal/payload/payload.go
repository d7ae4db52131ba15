// Package payload recognizes structured objects embedded in answer text as
// fenced code blocks: chart specifications, query metadata and data table
// markers. Anything that does not validate is reported as plain code.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Kind is the recognized type of a fenced block.
type Kind int

const (
	PlainCode Kind = iota
	Chart
	Metadata
	Table
)

func (k Kind) String() string {
	switch k {
	case PlainCode:
		return "code"
	case Chart:
		return "chart"
	case Metadata:
		return "metadata"
	case Table:
		return "table"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Payload is one fenced block of the text. Exactly one of Chart and Metadata
// is set when Kind is Chart or Metadata respectively.
//
// Start and End are byte offsets of the whole block, fence lines included,
// in the text given to Extract. They are -1 when the block has no span.
type Payload struct {
	Kind     Kind
	Language string
	Code     string
	Chart    *ChartSpec
	Metadata *QueryMetadata
	Start    int
	End      int
}

// QueryMetadata describes the query behind an answer.
type QueryMetadata struct {
	SQL     string
	Filters map[string]any
	Sorts   []string
	Fields  []string
}

// tagKinds maps explicit language tags to their candidate kind.
var tagKinds = map[string]Kind{
	"json-chart":     Chart,
	"chart":          Chart,
	"json-metadata":  Metadata,
	"metadata":       Metadata,
	"query-metadata": Metadata,
	"table":          Table,
	"data-table":     Table,
}

// genericTag is the structured-data tag whose blocks are sniffed for a
// telltale key before being treated as a candidate.
const genericTag = "json"

// candidates decides, from the language tag and the raw text, what a block
// may be, most likely first. It does not parse anything.
func candidates(lang, code string) []Kind {
	if k, ok := tagKinds[lang]; ok {
		return []Kind{k}
	}
	if lang != genericTag {
		return nil
	}

	var kinds []Kind
	if strings.Contains(code, `"type":`) {
		kinds = append(kinds, Chart)
	}
	// Metadata fields may carry a "type" of their own.
	if strings.Contains(code, `"sql":`) || strings.Contains(code, `"fields":`) {
		kinds = append(kinds, Metadata)
	}
	return kinds
}

// Extract returns every fenced code block of text, classified. It never
// fails: blocks that do not parse or validate come back as PlainCode.
func Extract(src string) []Payload {
	source := []byte(src)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var out []Payload
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		var code strings.Builder
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			code.Write(seg.Value(source))
		}

		var lang string
		if block.Info != nil {
			lang = strings.ToLower(string(block.Language(source)))
		}
		p := Classify(lang, code.String())
		p.Start, p.End = blockSpan(block, source)
		out = append(out, p)
		return ast.WalkSkipChildren, nil
	})
	return out
}

// Classify recognizes a single block given its language tag and content.
func Classify(lang, code string) Payload {
	p := Payload{Kind: PlainCode, Language: lang, Code: code, Start: -1, End: -1}

	for _, kind := range candidates(lang, code) {
		switch kind {
		case Chart:
			if spec, err := ParseChart(code); err == nil {
				p.Kind, p.Chart = Chart, spec
				return p
			}
		case Metadata:
			if meta, err := ParseMetadata(code); err == nil {
				p.Kind, p.Metadata = Metadata, meta
				return p
			}
		case Table:
			p.Kind = Table
			return p
		}
	}
	return p
}

// blockSpan locates the opening fence line and, when present, the closing
// fence line around block.
func blockSpan(block *ast.FencedCodeBlock, source []byte) (int, int) {
	lines := block.Lines()

	var open int
	switch {
	case block.Info != nil:
		open = block.Info.Segment.Start
	case lines.Len() > 0:
		open = lines.At(0).Start - 1
	default:
		return -1, -1
	}
	if open < 0 || open > len(source) {
		return -1, -1
	}
	start := bytes.LastIndexByte(source[:open], '\n') + 1

	var stop int
	if lines.Len() > 0 {
		stop = lines.At(lines.Len() - 1).Stop
	} else if nl := bytes.IndexByte(source[start:], '\n'); nl >= 0 {
		stop = start + nl + 1
	} else {
		return start, len(source)
	}

	rest := source[stop:]
	line := rest
	if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
		line = rest[:nl+1]
	}
	trimmed := bytes.TrimSpace(line)
	if bytes.HasPrefix(trimmed, []byte("```")) || bytes.HasPrefix(trimmed, []byte("~~~")) {
		return start, stop + len(line)
	}
	return start, stop
}

// ParseMetadata parses a query metadata object. Any JSON object is
// accepted; unknown or oddly typed members are ignored.
func ParseMetadata(code string) (*QueryMetadata, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(code)), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("failed to parse metadata: not an object")
	}

	meta := &QueryMetadata{Filters: map[string]any{}}
	if sql, ok := raw["sql"].(string); ok {
		meta.SQL = sql
	}
	if filters, ok := raw["filters"].(map[string]any); ok {
		meta.Filters = filters
	}
	if sorts, ok := raw["sorts"].([]any); ok {
		for _, s := range sorts {
			if name := sortName(s); name != "" {
				meta.Sorts = append(meta.Sorts, name)
			}
		}
	}
	if fields, ok := raw["fields"].([]any); ok {
		for _, f := range fields {
			if name := fieldName(f); name != "" {
				meta.Fields = append(meta.Fields, name)
			}
		}
	}
	return meta, nil
}

// fieldName accepts "name" or {"name": "..."}.
func fieldName(v any) string {
	switch f := v.(type) {
	case string:
		return f
	case map[string]any:
		name, _ := f["name"].(string)
		return name
	default:
		return ""
	}
}

// sortName accepts "field desc" or {"field"|"name": "...", "direction": "..."}.
func sortName(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case map[string]any:
		name, _ := s["field"].(string)
		if name == "" {
			name, _ = s["name"].(string)
		}
		if dir, ok := s["direction"].(string); ok && name != "" && dir != "" {
			return name + " " + dir
		}
		return name
	default:
		return ""
	}
}
