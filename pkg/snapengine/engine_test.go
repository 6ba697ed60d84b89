package snapengine

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/function61/autosnap/pkg/snaptypes"
	"github.com/function61/gokit/assert"
)

var t0 = time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)

func TestCreateSharesOneSnapshotBetweenDueRules(t *testing.T) {
	eng := New("1 hourly; 1 daily", nil)

	ds := dataset("tank/data", true)

	ops := eng.Create([]*snaptypes.Dataset{ds}, t0, CreateOptions{})
	assert.EqualString(t, describe(ops), "create tank/data@auto-20200101T120000Z [autosnap:created_at=1577880000 autosnap:policies=3600 86400]")
	assert.EqualString(t, ops[0].Reason, "due: 1 * 1 hour; 1 * 1 day")
}

func TestCreateOnlyStampsDueRules(t *testing.T) {
	eng := New("1 hourly; 1 daily", nil)

	ds := dataset("tank/data", true)
	ds.Snapshots = []*snaptypes.Snapshot{
		auto("tank/data", t0.Add(-2*time.Hour), "3600 86400"),
	}

	ops := eng.Create([]*snaptypes.Dataset{ds}, t0, CreateOptions{})
	assert.EqualString(t, describe(ops), "create tank/data@auto-20200101T120000Z [autosnap:created_at=1577880000 autosnap:policies=3600]")
}

func TestCreateGraceWindow(t *testing.T) {
	eng := New("1 hourly", nil)

	for _, tc := range []struct {
		age time.Duration
		due bool
	}{
		{3600 * time.Second, true},
		{3585 * time.Second, true}, // exactly on the edge of the grace window
		{3584 * time.Second, false},
		{10 * time.Minute, false},
	} {
		t.Run(tc.age.String(), func(t *testing.T) {
			ds := dataset("tank/data", true)
			ds.Snapshots = []*snaptypes.Snapshot{auto("tank/data", t0.Add(-tc.age), "3600")}

			ops := eng.Create([]*snaptypes.Dataset{ds}, t0, CreateOptions{})
			assert.Assert(t, (len(ops) == 1) == tc.due)
		})
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	eng := New("4 hourly; 7 daily; 4 weekly", nil)

	ds := dataset("tank/data", true)

	first := eng.Create([]*snaptypes.Dataset{ds}, t0, CreateOptions{})
	assert.Assert(t, len(first) == 1)

	apply(ds, first)

	second := eng.Create([]*snaptypes.Dataset{ds}, t0, CreateOptions{})
	assert.Assert(t, len(second) == 0)

	// still inside grace window
	third := eng.Create([]*snaptypes.Dataset{ds}, t0.Add(10*time.Second), CreateOptions{})
	assert.Assert(t, len(third) == 0)
}

func TestCreateSkipsDisabledAndBadPolicy(t *testing.T) {
	eng := New("1 hourly", nil)

	disabled := dataset("tank/disabled", false)
	badPolicy := dataset("tank/bad", true)
	badPolicy.PolicyOverride = "1 fortnite"

	ops := eng.Create([]*snaptypes.Dataset{disabled, badPolicy}, t0, CreateOptions{})
	assert.Assert(t, len(ops) == 0)
}

func TestCreateTagCollision(t *testing.T) {
	eng := New("1 hourly", nil)

	ds := dataset("tank/data", true)
	ds.Snapshots = []*snaptypes.Snapshot{
		{Dataset: "tank/data", Tag: "auto-20200101T120000Z"}, // manual one with our name
		{Dataset: "tank/data", Tag: "auto-20200101T120000Z.0"},
	}

	ops := eng.Create([]*snaptypes.Dataset{ds}, t0, CreateOptions{})
	assert.EqualString(t, ops[0].Tag, "auto-20200101T120000Z.1")
}

func TestCreateKeepFor(t *testing.T) {
	eng := New("1 hourly", nil)

	ops := eng.Create([]*snaptypes.Dataset{dataset("tank/data", true)}, t0, CreateOptions{
		KeepFor: 48 * time.Hour,
	})
	assert.EqualString(t, ops[0].Properties[snaptypes.PropExpiresAt], "1578052800")
}

func TestExpire(t *testing.T) {
	eng := New("2 hourly; 1 daily", nil)

	ds := dataset("tank/data", true)
	ds.Snapshots = []*snaptypes.Snapshot{
		auto("tank/data", t0.Add(-30*time.Hour), "3600 86400"), // out of both windows
		auto("tank/data", t0.Add(-20*time.Hour), "3600 86400"), // daily still holds
		auto("tank/data", t0.Add(-3*time.Hour), "3600"),        // out of hourly window
		auto("tank/data", t0.Add(-2*time.Hour), "3600"),        // exactly at cutoff => kept
		auto("tank/data", t0.Add(-1*time.Hour), "3600"),
	}

	ops := eng.Expire([]*snaptypes.Dataset{ds}, t0)
	assert.EqualString(t, describe(ops), strings.Join([]string{
		"destroy tank/data@auto-20191231T060000Z",
		"destroy tank/data@auto-20200101T090000Z",
	}, "\n"))
}

func TestExpireIsIndependentOfEnablement(t *testing.T) {
	eng := New("1 hourly", nil)

	ds := dataset("tank/data", false)
	ds.Snapshots = []*snaptypes.Snapshot{
		auto("tank/data", t0.Add(-5*time.Hour), "3600"),
	}

	ops := eng.Expire([]*snaptypes.Dataset{ds}, t0)
	assert.EqualString(t, describe(ops), "destroy tank/data@auto-20200101T070000Z")
}

func TestExpireAfterPolicyChange(t *testing.T) {
	// "daily" was removed from the policy => daily-only snapshots have no references
	eng := New("24 hourly", nil)

	ds := dataset("tank/data", true)
	ds.Snapshots = []*snaptypes.Snapshot{
		auto("tank/data", t0.Add(-2*time.Hour), "86400"),
		auto("tank/data", t0.Add(-1*time.Hour), "3600 86400"),
	}

	ops := eng.Expire([]*snaptypes.Dataset{ds}, t0)
	assert.EqualString(t, describe(ops), "destroy tank/data@auto-20200101T100000Z")
}

func TestExpireRespectsHolds(t *testing.T) {
	eng := New("1 hourly", nil)

	held := auto("tank/data", t0.Add(-5*time.Hour), "3600")
	held.ExpiresAt = t0.Add(time.Hour)

	holdPassed := auto("tank/data", t0.Add(-4*time.Hour), "3600")
	holdPassed.ExpiresAt = t0.Add(-time.Second)

	ds := dataset("tank/data", true)
	ds.Snapshots = []*snaptypes.Snapshot{held, holdPassed}

	ops := eng.Expire([]*snaptypes.Dataset{ds}, t0)
	assert.EqualString(t, describe(ops), "destroy tank/data@auto-20200101T080000Z")
}

func TestExpireSkipsEmptyOrBrokenPolicy(t *testing.T) {
	logOutput := &bytes.Buffer{}
	eng := New("", log.New(logOutput, "", 0))

	noPolicy := dataset("tank/a", true)
	noPolicy.Snapshots = []*snaptypes.Snapshot{auto("tank/a", t0.Add(-500*time.Hour), "3600")}

	broken := dataset("tank/b", true)
	broken.PolicyOverride = "30 seconds"
	broken.Snapshots = []*snaptypes.Snapshot{auto("tank/b", t0.Add(-500*time.Hour), "3600")}

	cleared := dataset("tank/c", true)
	cleared.PolicyOverride = ";"
	cleared.Snapshots = []*snaptypes.Snapshot{auto("tank/c", t0.Add(-500*time.Hour), "3600")}

	ops := eng.Expire([]*snaptypes.Dataset{noPolicy, broken, cleared}, t0)
	assert.Assert(t, len(ops) == 0)

	lines := strings.Split(strings.TrimSpace(logOutput.String()), "\n")
	assert.Assert(t, len(lines) == 3)
	assert.Assert(t, strings.Contains(lines[0], "INFO"))
	assert.Assert(t, strings.HasSuffix(lines[0], `tank/a: not expiring, effective policy is empty (override "")`))
	assert.Assert(t, strings.Contains(lines[1], "tank/b"))
	assert.Assert(t, strings.Contains(lines[2], "INFO"))
	assert.Assert(t, strings.HasSuffix(lines[2], `tank/c: not expiring, effective policy is empty (override ";")`))
}

func TestExpireIgnoresManualSnapshots(t *testing.T) {
	eng := New("1 hourly", nil)

	ds := dataset("tank/data", true)
	ds.Snapshots = []*snaptypes.Snapshot{{Dataset: "tank/data", Tag: "before-upgrade"}}

	assert.Assert(t, len(eng.Expire([]*snaptypes.Dataset{ds}, t0)) == 0)
	assert.Assert(t, len(eng.Clean([]*snaptypes.Dataset{ds}, t0)) == 0)
	assert.Assert(t, len(eng.Nuke([]*snaptypes.Dataset{ds})) == 0)
}

func TestCleanKeepsNewestOfEachGroup(t *testing.T) {
	eng := New("1 hourly", nil)

	ds := dataset("tank/data", false)
	ds.Snapshots = []*snaptypes.Snapshot{
		auto("tank/data", t0.Add(-3*time.Hour), "3600"),
		auto("tank/data", t0.Add(-2*time.Hour), "3600"),
		auto("tank/data", t0.Add(-1*time.Hour), "3600"),
	}

	ops := eng.Clean([]*snaptypes.Dataset{ds}, t0)
	assert.EqualString(t, describe(ops), strings.Join([]string{
		"destroy tank/data@auto-20200101T090000Z",
		"destroy tank/data@auto-20200101T100000Z",
	}, "\n"))
	assert.EqualString(t, ops[0].Reason, "empty, superseded by auto-20200101T110000Z")
}

func TestCleanOnlyTouchesEmptyUnheldSnapshots(t *testing.T) {
	eng := New("1 hourly", nil)

	nonEmpty := auto("tank/data", t0.Add(-4*time.Hour), "3600")
	nonEmpty.UsedBytes = 4096

	held := auto("tank/data", t0.Add(-3*time.Hour), "3600")
	held.ExpiresAt = t0.Add(time.Hour)

	differentGroup := auto("tank/data", t0.Add(-2*time.Hour), "3600 86400")

	ds := dataset("tank/data", true)
	ds.Snapshots = []*snaptypes.Snapshot{
		nonEmpty,
		held,
		differentGroup,
		auto("tank/data", t0.Add(-1*time.Hour), "3600"),
	}

	assert.Assert(t, len(eng.Clean([]*snaptypes.Dataset{ds}, t0)) == 0)
}

func TestNuke(t *testing.T) {
	eng := New("1 hourly", nil)

	held := auto("tank/data", t0.Add(-time.Hour), "3600")
	held.ExpiresAt = t0.Add(time.Hour)

	ds := dataset("tank/data", true)
	ds.Snapshots = []*snaptypes.Snapshot{
		held,
		{Dataset: "tank/data", Tag: "manual"},
	}

	assert.EqualString(t, describe(eng.Nuke([]*snaptypes.Dataset{ds})), "destroy tank/data@auto-20200101T110000Z")
}

func TestDecisionsAreDeterministic(t *testing.T) {
	build := func() []*snaptypes.Dataset {
		a := dataset("tank/a", true)
		a.Snapshots = []*snaptypes.Snapshot{
			auto("tank/a", t0.Add(-50*time.Hour), "3600 86400"),
			auto("tank/a", t0.Add(-26*time.Hour), "86400"),
			auto("tank/a", t0.Add(-5*time.Hour), "3600"),
			auto("tank/a", t0.Add(-4*time.Hour), "3600"),
		}

		sameSecond := auto("tank/b", t0.Add(-90*time.Hour), "86400")
		sameSecond.Tag += ".0"

		b := dataset("tank/b", false)
		b.Snapshots = []*snaptypes.Snapshot{
			sameSecond,
			auto("tank/b", t0.Add(-90*time.Hour), "3600"),
		}

		return []*snaptypes.Dataset{a, b}
	}

	run := func() string {
		eng := New("4 hourly; 2 daily", nil)
		datasets := build()

		return describe(eng.Create(datasets, t0, CreateOptions{})) + "\n" +
			describe(eng.Expire(datasets, t0)) + "\n" +
			describe(eng.Clean(datasets, t0))
	}

	first := run()
	assert.EqualString(t, run(), first)
	assert.EqualString(t, first, strings.Join([]string{
		"create tank/a@auto-20200101T120000Z [autosnap:created_at=1577880000 autosnap:policies=3600 86400]",
		"destroy tank/a@auto-20191230T100000Z",
		"destroy tank/a@auto-20200101T070000Z",
		"destroy tank/b@auto-20191228T180000Z",
		"destroy tank/b@auto-20191228T180000Z.0",
		"destroy tank/a@auto-20200101T070000Z",
	}, "\n"))
}

func TestPolicyCacheIsOwnedByEngine(t *testing.T) {
	eng := New("1 hourly", nil)

	ds := dataset("tank/data", true)
	ds.PolicyOverride = "2 daily"

	_, err := eng.EffectivePolicy(ds)
	assert.Ok(t, err)
	_, err = eng.EffectivePolicy(dataset("tank/other", true))
	assert.Ok(t, err)

	assert.Assert(t, eng.Policies().Len() == 2)
	assert.Assert(t, New("1 hourly", nil).Policies().Len() == 0)

	eng.Policies().Reset()
	assert.Assert(t, eng.Policies().Len() == 0)
}

func dataset(name string, enabled bool) *snaptypes.Dataset {
	return &snaptypes.Dataset{
		Name:        name,
		Kind:        snaptypes.KindFilesystem,
		AutoEnabled: enabled,
		Snapshots:   []*snaptypes.Snapshot{},
	}
}

func auto(dataset string, createdAt time.Time, policies string) *snaptypes.Snapshot {
	seconds, err := snaptypes.ParsePolicySeconds(policies)
	if err != nil {
		panic(err)
	}

	return &snaptypes.Snapshot{
		Dataset:       dataset,
		Tag:           Tag(createdAt),
		CreatedAt:     createdAt,
		PolicySeconds: seconds,
	}
}

// what a commit + re-listing would do to the dataset
func apply(ds *snaptypes.Dataset, ops []snaptypes.PendingOperation) {
	for _, op := range ops {
		var epoch int64
		if _, err := fmt.Sscan(op.Properties[snaptypes.PropCreatedAt], &epoch); err != nil {
			panic(err)
		}

		seconds, err := snaptypes.ParsePolicySeconds(op.Properties[snaptypes.PropPolicies])
		if err != nil {
			panic(err)
		}

		ds.Snapshots = append(ds.Snapshots, &snaptypes.Snapshot{
			Dataset:       ds.Name,
			Tag:           op.Tag,
			CreatedAt:     time.Unix(epoch, 0).UTC(),
			PolicySeconds: seconds,
		})
	}
}

func describe(ops []snaptypes.PendingOperation) string {
	lines := []string{}
	for _, op := range ops {
		line := string(op.Action) + " " + op.SnapshotName()

		if op.Action == snaptypes.ActionCreate {
			line += fmt.Sprintf(
				" [%s=%s %s=%s]",
				snaptypes.PropCreatedAt,
				op.Properties[snaptypes.PropCreatedAt],
				snaptypes.PropPolicies,
				op.Properties[snaptypes.PropPolicies])
		}

		lines = append(lines, line)
	}

	return strings.Join(lines, "\n")
}
