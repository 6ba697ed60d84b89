// Line-oriented writers for log output
package logtee

import (
	"io"
	"strings"
	"sync"
)

type lineSplitter struct {
	buf           []byte // buffer before receiving \n
	lineCompleted func(string)
	mu            sync.Mutex
}

// returns io.Writer that calls lineCompleted for each full line (without the "\n")
func NewLineSplitter(lineCompleted func(string)) io.Writer {
	return &lineSplitter{
		buf:           []byte{},
		lineCompleted: lineCompleted,
	}
}

func (l *lineSplitter) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, data...)

	// as long as we have lines, chop the buffer down
	for {
		idx := strings.IndexByte(string(l.buf), '\n')
		if idx == -1 {
			break
		}

		l.lineCompleted(string(l.buf[0:idx]))

		l.buf = l.buf[idx+1:]
	}

	return len(data), nil
}

// forwards to sink only the lines that keep() accepts. a partial line is held back
// until its "\n" arrives.
func NewLineFilter(sink io.Writer, keep func(line string) bool) io.Writer {
	return NewLineSplitter(func(line string) {
		if keep(line) {
			_, _ = io.WriteString(sink, line+"\n")
		}
	})
}
