package testutils

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Eventually polls cond every millisecond until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

// SampleJSON builds a data notification payload. Extra fields are given as
// key, raw JSON value pairs.
func SampleJSON(x, y, z int, extra ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, `{"x":%d,"y":%d,"z":%d`, x, y, z)
	for i := 0; i+1 < len(extra); i += 2 {
		fmt.Fprintf(&b, `,%q:%s`, extra[i], extra[i+1])
	}
	b.WriteString("}")
	return []byte(b.String())
}
