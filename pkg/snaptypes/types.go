// Domain model shared by the registry, decision engine and commit queue
package snaptypes

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// closed set of object kinds in a listing
type Kind string

const (
	KindFilesystem Kind = "filesystem"
	KindVolume     Kind = "volume"
	KindSnapshot   Kind = "snapshot"
)

// datasets (filesystems, volumes) hold snapshots. snapshots themselves don't
func (k Kind) HoldsSnapshots() bool {
	return k == KindFilesystem || k == KindVolume
}

func (k Kind) IsSnapshot() bool {
	return k == KindSnapshot
}

func KindFromString(kind string) (Kind, bool) {
	switch Kind(kind) {
	case KindFilesystem, KindVolume, KindSnapshot:
		return Kind(kind), true
	default:
		return "", false
	}
}

// "tank/data@auto-20200101T000000Z" => "tank/data", "auto-20200101T000000Z"
const SnapshotSeparator = "@"

func SnapshotName(dataset string, tag string) string {
	return dataset + SnapshotSeparator + tag
}

func SplitSnapshotName(name string) (string, string, bool) {
	return strings.Cut(name, SnapshotSeparator)
}

type Dataset struct {
	Name           string
	Kind           Kind
	UsedBytes      uint64
	AutoEnabled    bool
	PolicyOverride string // "" when not set
	Snapshots      []*Snapshot
}

// automatic snapshots, oldest first. ties broken by tag so the order is deterministic
func (d *Dataset) AutoSnapshots() []*Snapshot {
	autos := []*Snapshot{}
	for _, snap := range d.Snapshots {
		if snap.Automatic() {
			autos = append(autos, snap)
		}
	}

	sort.SliceStable(autos, func(i, j int) bool {
		if !autos[i].CreatedAt.Equal(autos[j].CreatedAt) {
			return autos[i].CreatedAt.Before(autos[j].CreatedAt)
		}

		return autos[i].Tag < autos[j].Tag
	})

	return autos
}

func (d *Dataset) HasSnapshotTag(tag string) bool {
	for _, snap := range d.Snapshots {
		if snap.Tag == tag {
			return true
		}
	}

	return false
}

type Snapshot struct {
	Dataset       string
	Tag           string
	CreatedAt     time.Time // zero for snapshots not made by us
	ExpiresAt     time.Time // zero = no hold
	PolicySeconds []int64   // ascending, unique
	UsedBytes     uint64
}

func (s *Snapshot) Name() string {
	return SnapshotName(s.Dataset, s.Tag)
}

func (s *Snapshot) Automatic() bool {
	return !s.CreatedAt.IsZero()
}

func (s *Snapshot) Satisfies(seconds int64) bool {
	for _, candidate := range s.PolicySeconds {
		if candidate == seconds {
			return true
		}
	}

	return false
}

// held snapshots are protected from expiry and cleanup until their hold passes
func (s *Snapshot) HeldAt(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.Before(now)
}

// identity of the PolicySeconds set, e.g. "3600 86400"
func (s *Snapshot) PolicyKey() string {
	return FormatPolicySeconds(s.PolicySeconds)
}

// sorts & dedups
func NormalizePolicySeconds(seconds []int64) []int64 {
	sorted := append([]int64{}, seconds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	unique := []int64{}
	for i, sec := range sorted {
		if i > 0 && sorted[i-1] == sec {
			continue
		}

		unique = append(unique, sec)
	}

	return unique
}

func FormatPolicySeconds(seconds []int64) string {
	parts := make([]string, 0, len(seconds))
	for _, sec := range seconds {
		parts = append(parts, strconv.FormatInt(sec, 10))
	}

	return strings.Join(parts, " ")
}

func ParsePolicySeconds(serialized string) ([]int64, error) {
	seconds := []int64{}
	for _, field := range strings.Fields(serialized) {
		sec, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, err
		}

		seconds = append(seconds, sec)
	}

	return NormalizePolicySeconds(seconds), nil
}
