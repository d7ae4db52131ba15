package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Chart types with their own colour scheme. Other types, such as "line"
// or "area", are drawn like ChartBar.
const (
	ChartBar = "bar"
	ChartPie = "pie"
)

// Hue steps between consecutive colours.
const (
	seriesHueStep   = 60
	categoryHueStep = 45
)

// ErrInvalidChart is returned when a parsed object lacks a required member.
var ErrInvalidChart = errors.New("invalid chart spec")

// ChartSpec is a chart specification emitted by the analytics service.
type ChartSpec struct {
	Type     string           `json:"type"`
	Title    string           `json:"title,omitempty"`
	XAxisKey string           `json:"xAxisKey,omitempty"`
	Stacked  bool             `json:"stacked,omitempty"`
	Data     []map[string]any `json:"data"`
	Series   []Series         `json:"series"`
}

// Series is one plotted measure.
type Series struct {
	DataKey string `json:"dataKey"`
	Name    string `json:"name,omitempty"`
	Fill    string `json:"fill,omitempty"`
	// YAxis is "right" for series drawn against the secondary scale.
	YAxis string `json:"yAxis,omitempty"`
}

// ParseChart parses code as JSON and checks that it has a type, a data
// array and a series array.
func ParseChart(code string) (*ChartSpec, error) {
	body := []byte(strings.TrimSpace(code))

	var probe struct {
		Type   *string           `json:"type"`
		Data   []json.RawMessage `json:"data"`
		Series []json.RawMessage `json:"series"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse chart: %w", err)
	}
	switch {
	case probe.Type == nil || *probe.Type == "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidChart)
	case probe.Data == nil:
		return nil, fmt.Errorf("%w: missing data", ErrInvalidChart)
	case probe.Series == nil:
		return nil, fmt.Errorf("%w: missing series", ErrInvalidChart)
	}

	var spec ChartSpec
	if err := json.Unmarshal(body, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse chart: %w", err)
	}
	return &spec, nil
}

// Scale ids a dataset can be bound to.
const (
	ScalePrimary   = "y"
	ScaleSecondary = "y1"
)

// Dataset is one derived series ready to draw.
type Dataset struct {
	Label            string
	DataKey          string
	Values           []any
	Scale            string
	BackgroundColors []string
	BorderColors     []string
}

// ChartData is the drawable form of a ChartSpec.
type ChartData struct {
	Type     string
	Title    string
	Labels   []string
	Datasets []Dataset
	// Scales lists the scale ids in use; Stacked applies to all of them.
	Scales  []string
	Stacked bool
}

// Derive maps the spec to datasets: labels come from XAxisKey, one dataset
// per series keyed by DataKey. Bar, line and area charts get one colour per
// series; pie charts get one colour per category instead.
func (c *ChartSpec) Derive() ChartData {
	out := ChartData{
		Type:    c.Type,
		Title:   c.Title,
		Labels:  make([]string, len(c.Data)),
		Scales:  []string{ScalePrimary},
		Stacked: c.Stacked,
	}
	for i, row := range c.Data {
		out.Labels[i] = label(row[c.XAxisKey])
	}

	secondary := false
	for i, s := range c.Series {
		ds := Dataset{
			Label:   s.Name,
			DataKey: s.DataKey,
			Values:  make([]any, len(c.Data)),
			Scale:   ScalePrimary,
		}
		if ds.Label == "" {
			ds.Label = s.DataKey
		}
		for j, row := range c.Data {
			ds.Values[j] = row[s.DataKey]
		}
		if strings.EqualFold(s.YAxis, "right") {
			ds.Scale = ScaleSecondary
			secondary = true
		}

		if c.Type == ChartPie {
			ds.BackgroundColors = make([]string, len(c.Data))
			ds.BorderColors = make([]string, len(c.Data))
			for j := range c.Data {
				ds.BackgroundColors[j] = hsla(j*categoryHueStep, 0.5)
				ds.BorderColors[j] = hsla(j*categoryHueStep, 1)
			}
		} else {
			bg, border := hsla(i*seriesHueStep, 0.5), hsla(i*seriesHueStep, 1)
			if s.Fill != "" {
				bg, border = s.Fill, s.Fill
			}
			ds.BackgroundColors = []string{bg}
			ds.BorderColors = []string{border}
		}
		out.Datasets = append(out.Datasets, ds)
	}
	if secondary {
		out.Scales = append(out.Scales, ScaleSecondary)
	}
	return out
}

func hsla(hue int, alpha float64) string {
	return fmt.Sprintf("hsla(%d, 70%%, 50%%, %g)", hue, alpha)
}

func label(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return formatNumber(x)
	default:
		return fmt.Sprint(x)
	}
}

// FormatValue renders a data cell for display.
func FormatValue(v any) string {
	return label(v)
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
