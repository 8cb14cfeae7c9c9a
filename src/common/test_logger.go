package common

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestLogLevel is the level used by loggers created in tests. Raise it to
// logrus.DebugLevel when chasing a failing test.
const TestLogLevel = logrus.InfoLevel

// This can be used as the destination for a logger and it'll
// map them into calls to testing.T.Log, so that you only see
// the logging for failed tests.
type testLoggerAdapter struct {
	t      testing.TB
	prefix string

	mu   sync.Mutex
	done bool
}

func newTestLoggerAdapter(t testing.TB, prefix string) *testLoggerAdapter {
	a := &testLoggerAdapter{t: t, prefix: prefix}
	// goroutines outliving the test must not call t.Log
	t.Cleanup(func() {
		a.mu.Lock()
		a.done = true
		a.mu.Unlock()
	})
	return a
}

func (a *testLoggerAdapter) Write(d []byte) (int, error) {
	n := len(d)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return n, nil
	}

	if len(d) > 0 && d[len(d)-1] == '\n' {
		d = d[:len(d)-1]
	}
	if a.prefix != "" {
		l := a.prefix + ": " + string(d)
		a.t.Log(l)
		return n, nil
	}
	a.t.Log(string(d))
	return n, nil
}

// NewTestLogger returns a logrus Logger writing to t.Log.
func NewTestLogger(t testing.TB, level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.Out = newTestLoggerAdapter(t, "")
	logger.Level = level
	return logger
}

// NewTestEntry returns a logrus Entry writing to t.Log, with the test name as
// prefix.
func NewTestEntry(t testing.TB, level logrus.Level) *logrus.Entry {
	logger := logrus.New()
	logger.Out = newTestLoggerAdapter(t, t.Name())
	logger.Level = level
	return logrus.NewEntry(logger)
}
