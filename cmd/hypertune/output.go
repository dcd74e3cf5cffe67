package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	tbl "github.com/copyleftdev/hypertune/internal/table"
)

var (
	colorAccent = lipgloss.Color("#2CD7C7")
	colorMuted  = lipgloss.Color("#2C4A54")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

func render(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		Render()
}

// printTable prints the first top rows of t; top <= 0 prints all.
func printTable(w io.Writer, t *tbl.Table, top int) {
	n := t.Len()
	if top > 0 && top < n {
		n = top
	}
	rows := make([][]string, n)
	for i := 0; i < n; i++ {
		row := make([]string, len(t.Columns))
		for j, c := range t.Rows[i] {
			row[j] = formatCell(c)
		}
		rows[i] = row
	}
	fmt.Fprintln(w, render(t.Columns, rows))
	if n < t.Len() {
		fmt.Fprintf(w, "... %d more\n", t.Len()-n)
	}
}

func printCoefficients(w io.Writer, coef map[string]float64) {
	names := make([]string, 0, len(coef))
	for k := range coef {
		names = append(names, k)
	}
	sort.Strings(names)
	rows := make([][]string, len(names))
	for i, k := range names {
		rows[i] = []string{k, fmt.Sprintf("%.6g", coef[k])}
	}
	fmt.Fprintln(w, render([]string{"feature", "coefficient"}, rows))
}

func formatCell(c any) string {
	switch v := c.(type) {
	case nil:
		return ""
	case float64:
		return fmt.Sprintf("%.6g", v)
	default:
		return tbl.FormatCell(c)
	}
}
