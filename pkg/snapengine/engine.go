// Decides which snapshots to create, expire and clean. pure, does no I/O.
package snapengine

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/function61/autosnap/pkg/snappolicy"
	"github.com/function61/autosnap/pkg/snaptypes"
	"github.com/function61/gokit/logex"
	"github.com/samber/lo"
)

// tolerance for the external scheduler starting us a bit early
const Grace = 15 * time.Second

const tagPrefix = "auto-"

type Engine struct {
	policies      *snappolicy.Cache
	defaultPolicy string
	log           *logex.Leveled
}

func New(defaultPolicy string, logger *log.Logger) *Engine {
	return &Engine{
		policies:      snappolicy.NewCache(),
		defaultPolicy: defaultPolicy,
		log:           logex.Levels(logex.NonNil(logger)),
	}
}

// exposed so tests (and long-running daemons) can drop memoized policies
func (e *Engine) Policies() *snappolicy.Cache {
	return e.policies
}

// dataset's own override wins over the default
func (e *Engine) EffectivePolicy(dataset *snaptypes.Dataset) (snappolicy.Policy, error) {
	spec := dataset.PolicyOverride
	if spec == "" {
		spec = e.defaultPolicy
	}

	policy, err := e.policies.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dataset.Name, err)
	}

	return policy, nil
}

type CreateOptions struct {
	KeepFor time.Duration // > 0 stamps a hold on the new snapshots
}

// at most one new snapshot per enabled dataset, shared by all rules that are due
func (e *Engine) Create(datasets []*snaptypes.Dataset, now time.Time, opts CreateOptions) []snaptypes.PendingOperation {
	ops := []snaptypes.PendingOperation{}

	for _, dataset := range datasets {
		if !dataset.AutoEnabled {
			continue
		}

		policy, err := e.EffectivePolicy(dataset)
		if err != nil {
			e.log.Error.Printf("not creating: %v", err)
			continue
		}

		due := dueRules(policy, dataset.AutoSnapshots(), now)
		if len(due) == 0 {
			e.log.Debug.Printf("%s: nothing due", dataset.Name)
			continue
		}

		dueSeconds := snaptypes.NormalizePolicySeconds(lo.Map(due, func(rule snappolicy.Rule, _ int) int64 {
			return rule.Seconds
		}))

		props := map[string]string{
			snaptypes.PropCreatedAt: strconv.FormatInt(now.Unix(), 10),
			snaptypes.PropPolicies:  snaptypes.FormatPolicySeconds(dueSeconds),
		}

		if opts.KeepFor > 0 {
			props[snaptypes.PropExpiresAt] = strconv.FormatInt(now.Add(opts.KeepFor).Unix(), 10)
		}

		ops = append(ops, snaptypes.PendingOperation{
			Action:     snaptypes.ActionCreate,
			Dataset:    dataset.Name,
			Tag:        freeTag(dataset, now),
			Properties: props,
			Reason:     "due: " + snappolicy.Policy(due).String(),
		})
	}

	return ops
}

// snapshots no rule of the *current* policy references anymore
func (e *Engine) Expire(datasets []*snaptypes.Dataset, now time.Time) []snaptypes.PendingOperation {
	ops := []snaptypes.PendingOperation{}

	for _, dataset := range datasets {
		autos := dataset.AutoSnapshots()
		if len(autos) == 0 {
			continue
		}

		policy, err := e.EffectivePolicy(dataset)
		if err != nil {
			e.log.Error.Printf("not expiring: %v", err)
			continue
		}

		// would make every snapshot unreferenced. much more likely a mistake than intent
		if len(policy) == 0 {
			e.log.Info.Printf("%s: not expiring, effective policy is empty (override %q)", dataset.Name, dataset.PolicyOverride)
			continue
		}

		for _, snap := range autos {
			if references(policy, snap, now) > 0 || snap.HeldAt(now) {
				continue
			}

			ops = append(ops, snaptypes.PendingOperation{
				Action:  snaptypes.ActionDestroy,
				Dataset: dataset.Name,
				Tag:     snap.Tag,
				Reason:  "expired",
			})
		}
	}

	return ops
}

// drops empty snapshots that have a newer sibling satisfying the exact same rules
func (e *Engine) Clean(datasets []*snaptypes.Dataset, now time.Time) []snaptypes.PendingOperation {
	ops := []snaptypes.PendingOperation{}

	for _, dataset := range datasets {
		// AutoSnapshots() is sorted and GroupBy() keeps that order within a group
		groups := lo.GroupBy(dataset.AutoSnapshots(), func(snap *snaptypes.Snapshot) string {
			return snap.PolicyKey()
		})

		groupKeys := lo.Keys(groups)
		sort.Strings(groupKeys)

		for _, key := range groupKeys {
			group := groups[key]
			newest := group[len(group)-1]

			for _, snap := range group[:len(group)-1] {
				if snap.UsedBytes != 0 || snap.HeldAt(now) {
					continue
				}

				ops = append(ops, snaptypes.PendingOperation{
					Action:  snaptypes.ActionDestroy,
					Dataset: dataset.Name,
					Tag:     snap.Tag,
					Reason:  "empty, superseded by " + newest.Tag,
				})
			}
		}
	}

	return ops
}

// every automatic snapshot, regardless of policy or holds
func (e *Engine) Nuke(datasets []*snaptypes.Dataset) []snaptypes.PendingOperation {
	ops := []snaptypes.PendingOperation{}

	for _, dataset := range datasets {
		for _, snap := range dataset.AutoSnapshots() {
			ops = append(ops, snaptypes.PendingOperation{
				Action:  snaptypes.ActionDestroy,
				Dataset: dataset.Name,
				Tag:     snap.Tag,
				Reason:  "nuke",
			})
		}
	}

	return ops
}

// autos must be sorted oldest first
func dueRules(policy snappolicy.Policy, autos []*snaptypes.Snapshot, now time.Time) []snappolicy.Rule {
	return lo.Filter(policy, func(rule snappolicy.Rule, _ int) bool {
		satisfying := lo.Filter(autos, func(snap *snaptypes.Snapshot, _ int) bool {
			return snap.Satisfies(rule.Seconds)
		})
		if len(satisfying) == 0 {
			return true
		}

		newest := satisfying[len(satisfying)-1]

		return now.Sub(newest.CreatedAt) >= time.Duration(rule.Seconds)*time.Second-Grace
	})
}

// number of rules still retaining the snapshot
func references(policy snappolicy.Policy, snap *snaptypes.Snapshot, now time.Time) int {
	return lo.CountBy(policy, func(rule snappolicy.Rule) bool {
		return snap.Satisfies(rule.Seconds) && !rule.Cutoff(now).After(snap.CreatedAt)
	})
}

// timestamp has second resolution. the suffix only matters if someone forces runs within
// the same second (grace window prevents that for the same rule set)
func freeTag(dataset *snaptypes.Dataset, now time.Time) string {
	candidate := Tag(now)
	if !dataset.HasSnapshotTag(candidate) {
		return candidate
	}

	// at most len(Snapshots) suffixes can be taken
	for i := 0; i <= len(dataset.Snapshots); i++ {
		suffixed := candidate + "." + strconv.Itoa(i)
		if !dataset.HasSnapshotTag(suffixed) {
			return suffixed
		}
	}

	panic("unreachable: no free tag")
}

func Tag(now time.Time) string {
	return tagPrefix + now.UTC().Format("20060102T150405Z")
}
