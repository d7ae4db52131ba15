package render

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/markis/gh-analyst/internal/payload"
)

func (t *TerminalRenderer) renderPayload(p payload.Payload) error {
	switch p.Kind {
	case payload.Chart:
		fmt.Fprintln(t.out, t.chartTable(p.Chart))
		return nil
	case payload.Metadata:
		return t.renderContent(metadataMarkdown(p.Metadata))
	case payload.Table:
		return t.renderContent(p.Code)
	default:
		return nil
	}
}

// chartTable draws a chart as a table: one row per label, one column per
// dataset. Datasets on the secondary axis are marked in their header.
func (t *TerminalRenderer) chartTable(spec *payload.ChartSpec) string {
	data := spec.Derive()

	headers := []string{spec.XAxisKey}
	for _, ds := range data.Datasets {
		h := ds.Label
		if ds.Scale == payload.ScaleSecondary {
			h += " (right)"
		}
		headers = append(headers, h)
	}

	rows := make([][]string, 0, len(data.Labels))
	for i, l := range data.Labels {
		row := []string{l}
		for _, ds := range data.Datasets {
			row = append(row, payload.FormatValue(ds.Values[i]))
		}
		rows = append(rows, row)
	}

	border := lipgloss.RoundedBorder()
	if t.plainText {
		border = lipgloss.ASCIIBorder()
	}
	header := t.styles.NewStyle().Bold(true).Padding(0, 1)
	cell := t.styles.NewStyle().Padding(0, 1)

	tbl := table.New().
		Border(border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})

	return chartTitle(data) + "\n" + tbl.String()
}

func chartTitle(data payload.ChartData) string {
	kind := data.Type
	if data.Stacked {
		kind += ", stacked"
	}
	if data.Title == "" {
		return fmt.Sprintf("Chart (%s)", kind)
	}
	return fmt.Sprintf("%s (%s)", data.Title, kind)
}

func metadataMarkdown(meta *payload.QueryMetadata) string {
	var b strings.Builder
	if meta.SQL != "" {
		fmt.Fprintf(&b, "**Query**\n\n```sql\n%s\n```\n\n", strings.TrimSpace(meta.SQL))
	}
	if len(meta.Fields) > 0 {
		fmt.Fprintf(&b, "**Fields:** %s\n\n", strings.Join(meta.Fields, ", "))
	}
	if len(meta.Filters) > 0 {
		filters := make([]string, 0, len(meta.Filters))
		for _, k := range slices.Sorted(maps.Keys(meta.Filters)) {
			filters = append(filters, fmt.Sprintf("%s = %s", k, payload.FormatValue(meta.Filters[k])))
		}
		fmt.Fprintf(&b, "**Filters:** %s\n\n", strings.Join(filters, ", "))
	}
	if len(meta.Sorts) > 0 {
		fmt.Fprintf(&b, "**Sorts:** %s\n\n", strings.Join(meta.Sorts, ", "))
	}
	return b.String()
}
