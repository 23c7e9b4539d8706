package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence in an expected document matches any actual value, as long as the key exists.
const Presence = "<<PRESENCE>>"

type JSONOptions struct {
	// IgnoreExtraKeys drops object keys the expected document does not name.
	IgnoreExtraKeys          bool `default:"true"`
	AllowPresencePlaceholder bool `default:"true"`
	IgnoredFields            []string
}

type JSONOption func(*JSONOptions)

func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}

func WithStrictKeys() JSONOption {
	return func(o *JSONOptions) { o.IgnoreExtraKeys = false }
}

// JSONAsserter compares JSON command output structurally and reports a
// gojsondiff listing on mismatch.
type JSONAsserter struct {
	t       TestingT
	options JSONOptions
}

func NewJSONAsserter(t TestingT, opts ...JSONOption) *JSONAsserter {
	a := &JSONAsserter{t: t}
	defaults.SetDefaults(&a.options)
	for _, opt := range opts {
		opt(&a.options)
	}
	return a
}

func (a *JSONAsserter) Options() JSONOptions {
	return a.options
}

func (a *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	a.t.Helper()
	if diff := a.Diff(actualJSON, expectedJSON); diff != "" {
		a.t.Errorf("JSON mismatch:\n%s", diff)
		return false
	}
	return true
}

// Diff returns an empty string when the documents match under the options.
func (a *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	a.reconcile(expected, actual)

	// gojsondiff compares objects only
	expectedDoc := map[string]any{"root": expected}
	actualDoc := map[string]any{"root": actual}
	left, _ := json.Marshal(expectedDoc)
	right, _ := json.Marshal(actualDoc)

	diff, err := gojsondiff.New().Compare(left, right)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	out, err := formatter.NewAsciiFormatter(expectedDoc, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(diff)
	if err != nil {
		return fmt.Sprintf("JSON diff formatting failed: %v", err)
	}
	return out
}

// reconcile walks both documents together and rewrites actual in place:
// ignored and unexpected keys are dropped, placeholders take the actual value.
func (a *JSONAsserter) reconcile(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for _, f := range a.options.IgnoredFields {
			delete(exp, f)
			delete(act, f)
		}
		for k, v := range act {
			ev, named := exp[k]
			switch {
			case !named && a.options.IgnoreExtraKeys:
				delete(act, k)
			case named && a.options.AllowPresencePlaceholder && ev == Presence:
				exp[k] = v
			case named:
				a.reconcile(ev, v)
			}
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range min(len(exp), len(act)) {
			if s, isPlaceholder := exp[i].(string); isPlaceholder && s == Presence && a.options.AllowPresencePlaceholder {
				exp[i] = act[i]
				continue
			}
			a.reconcile(exp[i], act[i])
		}
	}
}
