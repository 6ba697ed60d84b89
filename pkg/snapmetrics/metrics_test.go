package snapmetrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/function61/autosnap/pkg/runjournal"
	"github.com/function61/gokit/assert"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFromJournal(t *testing.T) {
	t0 := time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)

	m := FromJournal([]runjournal.Run{ // newest first
		{Command: "auto", Started: t0.Add(2 * time.Hour), Error: "exit status 1", Destroyed: 1},
		{Command: "auto", Started: t0.Add(3 * time.Hour), DryRun: true, Created: 100},
		{Command: "auto", Started: t0.Add(time.Hour), Created: 2, Duration: 1500 * time.Millisecond},
		{Command: "expire", Started: t0, Destroyed: 4},
	})

	assert.Assert(t, testutil.ToFloat64(m.lastRun.WithLabelValues("auto")) == float64(t0.Add(2*time.Hour).Unix()))
	assert.Assert(t, testutil.ToFloat64(m.lastSuccess.WithLabelValues("auto")) == 0)
	assert.Assert(t, testutil.ToFloat64(m.created.WithLabelValues("auto")) == 0)
	assert.Assert(t, testutil.ToFloat64(m.destroyed.WithLabelValues("auto")) == 1)

	assert.Assert(t, testutil.ToFloat64(m.lastSuccess.WithLabelValues("expire")) == 1)
	assert.Assert(t, testutil.ToFloat64(m.destroyed.WithLabelValues("expire")) == 4)
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Observe(runjournal.Run{
		Command:  "create",
		Started:  time.Unix(1577880000, 0),
		Created:  3,
		Duration: 2 * time.Second,
	})

	path := filepath.Join(t.TempDir(), "autosnap.prom")
	assert.Ok(t, m.WriteTextfile(path))

	content, err := os.ReadFile(path)
	assert.Ok(t, err)

	assert.Assert(t, strings.Contains(string(content), `autosnap_snapshots_created{command="create"} 3`))
	assert.Assert(t, strings.Contains(string(content), `autosnap_last_run_success{command="create"} 1`))
	assert.Assert(t, strings.Contains(string(content), `autosnap_run_duration_seconds{command="create"} 2`))
}
