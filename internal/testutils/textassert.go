package testutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the part of testing.T the asserter reports through.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

type OutputOptions struct {
	TrimSpace                bool `default:"true"`
	IgnoreTrailingWhitespace bool `default:"true"`
	IgnoreEmptyLines         bool `default:"false"`
	EnableColors             bool `default:"false"`
	// Placeholder replaces every masked match on both sides before comparing.
	Placeholder string `default:"<*>"`
}

// OutputOption configures an OutputAsserter.
type OutputOption func(*OutputAsserter)

// OutputAsserter compares command output with an expected listing and reports
// a unified diff on mismatch. Masks hide volatile fields such as timestamps.
type OutputAsserter struct {
	t       TestingT
	options OutputOptions
	masks   []*regexp.Regexp
}

func NewOutputAsserter(t TestingT, opts ...OutputOption) *OutputAsserter {
	a := &OutputAsserter{t: t}
	defaults.SetDefaults(&a.options)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func WithMask(pattern string) OutputOption {
	return func(a *OutputAsserter) {
		a.masks = append(a.masks, regexp.MustCompile(pattern))
	}
}

func WithIgnoreEmptyLines() OutputOption {
	return func(a *OutputAsserter) { a.options.IgnoreEmptyLines = true }
}

func WithExactWhitespace() OutputOption {
	return func(a *OutputAsserter) {
		a.options.TrimSpace = false
		a.options.IgnoreTrailingWhitespace = false
	}
}

func WithColors() OutputOption {
	return func(a *OutputAsserter) { a.options.EnableColors = true }
}

func (a *OutputAsserter) Options() OutputOptions {
	return a.options
}

// Assert fails the test when actual differs from expected after normalization.
func (a *OutputAsserter) Assert(actual, expected string) bool {
	a.t.Helper()
	if diff := a.Diff(actual, expected); diff != "" {
		a.t.Errorf("Output mismatch - unified diff:\n%s", diff)
		return false
	}
	return true
}

// AssertLines fails unless every expected line appears in actual, in order.
// Other lines may sit between them.
func (a *OutputAsserter) AssertLines(actual string, expected ...string) bool {
	a.t.Helper()
	lines := strings.Split(a.normalize(actual), "\n")
	i := 0
	for _, line := range lines {
		if i < len(expected) && line == a.normalize(expected[i]) {
			i++
		}
	}
	if i < len(expected) {
		a.t.Errorf("Output is missing line %q (after %d matched lines):\n%s", expected[i], i, actual)
		return false
	}
	return true
}

// Diff returns the unified diff between the normalized texts, empty when they match.
func (a *OutputAsserter) Diff(actual, expected string) string {
	want, got := a.normalize(expected), a.normalize(actual)
	if want == got {
		return ""
	}

	edits := myers.ComputeEdits("", want, got)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	if !a.options.EnableColors {
		return unified
	}
	return colorize(unified)
}

func (a *OutputAsserter) normalize(text string) string {
	for _, re := range a.masks {
		text = re.ReplaceAllString(text, a.options.Placeholder)
	}
	if a.options.TrimSpace {
		text = strings.TrimSpace(text)
	}

	var out []string
	for _, line := range strings.Split(text, "\n") {
		if a.options.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t\r")
		}
		if a.options.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func colorize(diff string) string {
	header := color.New(color.FgYellow)
	hunk := color.New(color.FgCyan)
	del := color.New(color.FgRed)
	add := color.New(color.FgGreen)
	for _, c := range []*color.Color{header, hunk, del, add} {
		c.EnableColor()
	}

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
			lines[i] = header.Sprint(line)
		case strings.HasPrefix(line, "@@"):
			lines[i] = hunk.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = del.Sprint(visibleWhitespace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = add.Sprint(visibleWhitespace(line))
		}
	}
	return strings.Join(lines, "\n")
}

// visibleWhitespace shows spaces as · and tabs as →.
func visibleWhitespace(line string) string {
	return strings.NewReplacer(" ", "·", "\t", "→").Replace(line)
}
