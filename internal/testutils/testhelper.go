package testutils

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	// Hook captures every entry written through Logger.
	Hook *test.Hook
}

// NewTestHelper creates a test helper with a debug logger whose entries are captured.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	hook := test.NewLocal(logger)
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// LoggedMessages returns the messages captured at or above level.
func (h *TestHelper) LoggedMessages(level logrus.Level) []string {
	var out []string
	for _, e := range h.Hook.AllEntries() {
		if e.Level <= level {
			out = append(out, e.Message)
		}
	}
	return out
}

// HasLogged reports whether any captured message at or above level contains substr.
func (h *TestHelper) HasLogged(level logrus.Level, substr string) bool {
	for _, msg := range h.LoggedMessages(level) {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
