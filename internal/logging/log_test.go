package logging_test

import (
	"bytes"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/omochice/chat-gateway/internal/logging"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// out receives everything logged by the tests in this package.
var out syncBuffer

func TestMain(m *testing.M) {
	logging.Init("test", false, &out)
	os.Exit(m.Run())
}

// lineWith returns the last logged line containing s.
func lineWith(t *testing.T, s string) string {
	t.Helper()
	lines := strings.Split(out.String(), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.Contains(lines[i], s) {
			return lines[i]
		}
	}
	t.Fatalf("no log line contains %q", s)
	return ""
}

func TestLogger_Prefix(t *testing.T) {
	logging.WithPrefix("127.0.0.1:5000").Infof("hello %s", "world")

	if got := lineWith(t, "hello world"); !strings.Contains(got, "[127.0.0.1:5000] hello world") {
		t.Errorf("log line = %q, want prefixed message", got)
	}
}

func TestDebugf_Gated(t *testing.T) {
	logging.SetDebug(false)
	if logging.DebugEnabled() {
		t.Error("DebugEnabled() = true after SetDebug(false)")
	}
	logging.Debugf("hidden")
	if strings.Contains(out.String(), "hidden") {
		t.Error("Debugf wrote output with debug disabled")
	}

	logging.SetDebug(true)
	defer logging.SetDebug(false)
	if !logging.DebugEnabled() {
		t.Error("DebugEnabled() = false after SetDebug(true)")
	}
	logging.Debugf("shown")
	lineWith(t, "shown")
}

func TestSetFlags(t *testing.T) {
	date := regexp.MustCompile(`\d{4}/\d{2}/\d{2}`)
	defer logging.SetFlags(log.Ldate | log.Ltime)

	logging.SetFlags(0)
	logging.Infof("undated")
	if got := lineWith(t, "undated"); date.MatchString(got) {
		t.Errorf("log line = %q, want no date with flags 0", got)
	}

	logging.SetFlags(log.Ldate)
	logging.Infof("dated")
	if got := lineWith(t, "dated"); !date.MatchString(got) {
		t.Errorf("log line = %q, want a date with log.Ldate", got)
	}
}
