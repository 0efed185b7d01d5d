//go:build test

package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Hook   *logtest.Hook
}

// NewTestHelper creates a test helper whose logger records every entry for assertions.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	hook := logtest.NewLocal(logger)
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// EntriesAt returns the recorded log messages at level.
func (h *TestHelper) EntriesAt(level logrus.Level) []string {
	var msgs []string
	for _, e := range h.Hook.AllEntries() {
		if e.Level == level {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

// HasEntry reports whether a message was logged at level.
func (h *TestHelper) HasEntry(level logrus.Level, message string) bool {
	for _, m := range h.EntriesAt(level) {
		if m == message {
			return true
		}
	}
	return false
}

// Eventually polls cond every 5ms until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
