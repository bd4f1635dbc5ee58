package clockconf

import (
	"fmt"
	"strings"
)

// SkipReason explains why a line was ignored.
type SkipReason string

const (
	SkipUnrecognized            SkipReason = "unrecognized"
	SkipDuplicateSection        SkipReason = "duplicate section"
	SkipBasePortOutOfOrder      SkipReason = "base_port out of order"
	SkipParameterBeforeBasePort SkipReason = "parameter before base_port"
)

// SkippedLine is a line the parser ignored.
type SkippedLine struct {
	Number int        `json:"line"`
	Text   string     `json:"text"`
	Reason SkipReason `json:"reason"`
}

// SkippedLinesError is returned by a strict Parser when at least one
// non-blank line was ignored.
type SkippedLinesError struct {
	Lines []SkippedLine
}

// Error implements the error interface.
func (e *SkippedLinesError) Error() string {
	if len(e.Lines) == 1 {
		l := e.Lines[0]
		return fmt.Sprintf("line %d skipped (%s): %q", l.Number, l.Reason, l.Text)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d lines skipped:", len(e.Lines))
	for _, l := range e.Lines {
		fmt.Fprintf(&b, " line %d (%s);", l.Number, l.Reason)
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Reasons counts skipped lines per reason.
func (e *SkippedLinesError) Reasons() map[SkipReason]int {
	counts := make(map[SkipReason]int)
	for _, l := range e.Lines {
		counts[l.Reason]++
	}
	return counts
}
