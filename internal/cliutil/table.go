// Package cliutil renders devhostctl's tabular and colorized terminal
// output. Adapted from the teacher's pkg/utils table/color helpers
// (RenderTable, ColoredString, Decolorise), trimmed to the ASCII-only
// subset devhostctl needs: session ids, names, and states never need
// wide-rune padding, so the column-width accounting drops the
// teacher's go-runewidth dependency and measures plain byte length.
package cliutil

import (
	"errors"
	"regexp"
	"strings"

	"github.com/fatih/color"
)

// RenderTable lays out rows of equal-length string slices into an
// aligned, space-padded table, the last column left unpadded.
func RenderTable(rows [][]string) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	if !displayArraysAligned(rows) {
		return "", errors.New("each row must have the same number of columns")
	}

	widths := columnWidths(rows)
	lines := make([]string, len(rows))
	for i, cells := range rows {
		var b strings.Builder
		for j, width := range widths {
			b.WriteString(withPadding(cells[j], width))
			b.WriteByte(' ')
		}
		b.WriteString(cells[len(widths)])
		lines[i] = b.String()
	}
	return strings.Join(lines, "\n"), nil
}

// ColoredString wraps str in the given color attribute, leaving it
// untouched for FgWhite since that's this package's stand-in for "no
// color" on light-themed terminals.
func ColoredString(str string, attr color.Attribute) string {
	if attr == color.FgWhite {
		return str
	}
	return color.New(attr).SprintFunc()(str)
}

// Decolorise strips ANSI color escapes, needed to measure a colored
// cell's true display width before padding it.
func Decolorise(str string) string {
	return ansiPattern.ReplaceAllString(str, "")
}

var ansiPattern = regexp.MustCompile(`\x1B\[([0-9]{1,2}(;[0-9]{1,2})?)?[mK]`)

func withPadding(str string, width int) string {
	plain := Decolorise(str)
	if width < len(plain) {
		return str
	}
	return str + strings.Repeat(" ", width-len(plain))
}

func columnWidths(rows [][]string) []int {
	if len(rows[0]) <= 1 {
		return []int{}
	}
	widths := make([]int, len(rows[0])-1)
	for i := range widths {
		for _, cells := range rows {
			if w := len(Decolorise(cells[i])); w > widths[i] {
				widths[i] = w
			}
		}
	}
	return widths
}

func displayArraysAligned(rows [][]string) bool {
	for _, row := range rows {
		if len(row) != len(rows[0]) {
			return false
		}
	}
	return true
}
