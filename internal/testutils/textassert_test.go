package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingT captures failures instead of failing the enclosing test.
type recordingT struct {
	failures []string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestOutputAsserterDefaults(t *testing.T) {
	opts := NewOutputAsserter(t).Options()

	assert.True(t, opts.TrimSpace)
	assert.True(t, opts.IgnoreTrailingWhitespace)
	assert.False(t, opts.IgnoreEmptyLines)
	assert.False(t, opts.EnableColors)
	assert.Equal(t, "<*>", opts.Placeholder)
}

func TestOutputAsserterAssert(t *testing.T) {
	t.Run("trailing whitespace and outer blank lines are ignored", func(t *testing.T) {
		rec := &recordingT{}
		ok := NewOutputAsserter(rec).Assert("\nNAME  ID   \nBiscuit  D0\n\n", "NAME  ID\nBiscuit  D0")
		assert.True(t, ok)
		assert.Empty(t, rec.failures)
	})

	t.Run("mismatch reports a unified diff", func(t *testing.T) {
		rec := &recordingT{}
		ok := NewOutputAsserter(rec).Assert("56 00 00 01", "56 00 00 02")
		assert.False(t, ok)
		require.Len(t, rec.failures, 1)
		assert.Contains(t, rec.failures[0], "--- expected")
		assert.Contains(t, rec.failures[0], "-56 00 00 02")
		assert.Contains(t, rec.failures[0], "+56 00 00 01")
	})

	t.Run("exact whitespace", func(t *testing.T) {
		rec := &recordingT{}
		assert.False(t, NewOutputAsserter(rec, WithExactWhitespace()).Assert("OK \n", "OK"))
	})

	t.Run("masks hide volatile fields", func(t *testing.T) {
		rec := &recordingT{}
		a := NewOutputAsserter(rec, WithMask(`\d{2}:\d{2}:\d{2}\.\d{3}`))
		ok := a.Assert("12:01:02.345 [ready]\n12:01:02.400 < 56", "<*> [ready]\n<*> < 56")
		assert.True(t, ok, rec.failures)
	})

	t.Run("empty lines", func(t *testing.T) {
		rec := &recordingT{}
		assert.True(t, NewOutputAsserter(rec, WithIgnoreEmptyLines()).Assert("a\n\n\nb", "a\nb"))
	})
}

func TestOutputAsserterAssertLines(t *testing.T) {
	out := "[scanning]\nfound Biscuit\n[connecting]\n[ready]\n< 56 00 00 01\n"

	rec := &recordingT{}
	assert.True(t, NewOutputAsserter(rec).AssertLines(out, "[scanning]", "[ready]", "< 56 00 00 01"))
	assert.Empty(t, rec.failures)

	assert.False(t, NewOutputAsserter(rec).AssertLines(out, "[ready]", "[scanning]"))
	require.Len(t, rec.failures, 1)
	assert.Contains(t, rec.failures[0], `missing line "[scanning]"`)
}

func TestColoredDiff(t *testing.T) {
	diff := NewOutputAsserter(t, WithColors()).Diff("a b", "a\tb")

	assert.Contains(t, diff, "\x1b[")
	assert.Contains(t, diff, "a·b")
	assert.Contains(t, diff, "a→b")
}
