package logtee

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
)

func TestLineSplitter(t *testing.T) {
	lines := []string{}

	upstream := NewLineSplitter(func(line string) {
		lines = append(lines, line)
	})

	_, _ = upstream.Write([]byte("line 1\nline 2\nline 3 left open"))

	assert.EqualString(t, fmt.Sprintf("%v", lines), "[line 1 line 2]")

	_, _ = upstream.Write([]byte("\n")) // close line 3

	assert.EqualString(t, fmt.Sprintf("%v", lines), "[line 1 line 2 line 3 left open]")
}

func TestLineFilter(t *testing.T) {
	sink := &bytes.Buffer{}

	filtered := NewLineFilter(sink, func(line string) bool {
		return !strings.Contains(line, "[DEBUG]")
	})

	_, _ = filtered.Write([]byte("[INFO] created 1\n[DEBUG] exec: zfs list\n[ERR"))
	_, _ = filtered.Write([]byte("OR] destroy failed\n"))

	assert.EqualString(t, sink.String(), "[INFO] created 1\n[ERROR] destroy failed\n")
}
