// Package output renders human-readable CLI output for sirpi.
//
// Styles come from lipgloss. Each [Printer] owns a renderer bound to its
// writer, so color is only emitted when that writer is a terminal.
//
// Key types:
//   - [Printer] writes headers, step progress, results and tables
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A80")
)

const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconArrow   = "→"
)

type styles struct {
	title   lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	box     lipgloss.Style
}

// Printer writes styled output.
type Printer struct {
	w  io.Writer
	st styles
}

// NewPrinter returns a printer writing to stdout.
func NewPrinter() *Printer {
	return NewPrinterWithWriter(os.Stdout)
}

// NewPrinterWithWriter returns a printer writing to w.
func NewPrinterWithWriter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w: w,
		st: styles{
			title:   r.NewStyle().Bold(true).Foreground(colorAccent),
			label:   r.NewStyle().Bold(true),
			muted:   r.NewStyle().Foreground(colorMuted),
			success: r.NewStyle().Foreground(colorSuccess),
			failure: r.NewStyle().Foreground(colorError),
			box:     r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorAccent).Padding(0, 1),
		},
	}
}

// Header prints a section title.
func (p *Printer) Header(title string) {
	fmt.Fprintln(p.w, p.st.title.Render(title))
}

// Field prints one "label: value" line.
func (p *Printer) Field(label, value string) {
	fmt.Fprintf(p.w, "  %s %s\n", p.st.label.Render(label+":"), value)
}

// Step announces step n of total, counting from one.
func (p *Printer) Step(n, total int, name string) {
	fmt.Fprintf(p.w, "%s %s %s\n", p.st.muted.Render(fmt.Sprintf("[%d/%d]", n, total)), iconArrow, name)
}

// Line prints an indented, muted line such as a log line.
func (p *Printer) Line(text string) {
	fmt.Fprintln(p.w, "  "+p.st.muted.Render(text))
}

// Success prints a success line with an optional duration.
func (p *Printer) Success(msg string, d time.Duration) {
	if d > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, d.Round(time.Second))
	}
	fmt.Fprintln(p.w, p.st.success.Render(iconSuccess+" "+msg))
}

// Error prints a failure line.
func (p *Printer) Error(msg string) {
	fmt.Fprintln(p.w, p.st.failure.Render(iconError+" "+msg))
}

// Box prints lines inside a rounded border.
func (p *Printer) Box(lines ...string) {
	fmt.Fprintln(p.w, p.st.box.Render(strings.Join(lines, "\n")))
}

// Table prints rows under a header, padding every column to its widest
// cell.
func (p *Printer) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	format := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = c + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Fprintln(p.w, p.st.label.Render(format(header)))
	for _, row := range rows {
		fmt.Fprintln(p.w, format(row))
	}
}
