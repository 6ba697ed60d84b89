// Builds the dataset/snapshot object graph from a flat property listing
package snapregistry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/function61/autosnap/pkg/snaptypes"
	"github.com/function61/gokit/logex"
)

type Lister interface {
	List(ctx context.Context, kinds []snaptypes.Kind, fields []string) ([]snaptypes.Record, error)
}

type Registry struct {
	datasets map[string]*snaptypes.Dataset
	Orphans  []string // snapshots whose dataset wasn't in the listing. skipped
}

// queries the listing and builds a fresh registry from it
func Load(ctx context.Context, lister Lister, logger *log.Logger) (*Registry, error) {
	records, err := lister.List(ctx, snaptypes.ListKinds, snaptypes.ListFields)
	if err != nil {
		return nil, fmt.Errorf("listing datasets: %w", err)
	}

	return Build(records, logger)
}

func Build(records []snaptypes.Record, logger *log.Logger) (*Registry, error) {
	logl := logex.Levels(logex.NonNil(logger))

	reg := &Registry{
		datasets: map[string]*snaptypes.Dataset{},
		Orphans:  []string{},
	}

	// datasets first, so snapshots can find their owner regardless of listing order
	snapshotRecords := []snaptypes.Record{}

	for _, record := range records {
		name := record.Get(snaptypes.PropName)
		if name == "" {
			return nil, fmt.Errorf("record without a name: %v", record)
		}

		kind, known := snaptypes.KindFromString(record.Get(snaptypes.PropType))
		if !known {
			logl.Debug.Printf("ignoring %s of type %s", name, record.Get(snaptypes.PropType))
			continue
		}

		if kind.IsSnapshot() {
			snapshotRecords = append(snapshotRecords, record)
			continue
		}

		if _, duplicate := reg.datasets[name]; duplicate {
			return nil, fmt.Errorf("dataset %s listed twice", name)
		}

		dataset, err := datasetFromRecord(name, kind, record)
		if err != nil {
			return nil, err
		}

		reg.datasets[name] = dataset
	}

	for _, record := range snapshotRecords {
		snapshot, err := snapshotFromRecord(record)
		if err != nil {
			return nil, err
		}

		owner, found := reg.datasets[snapshot.Dataset]
		if !found {
			// owner probably got destroyed while we were listing. acting on the snapshot
			// would be guesswork, so leave it for the next run
			logl.Error.Printf("skipping orphan snapshot %s: dataset not in listing", snapshot.Name())
			reg.Orphans = append(reg.Orphans, snapshot.Name())
			continue
		}

		owner.Snapshots = append(owner.Snapshots, snapshot)
	}

	for _, dataset := range reg.datasets {
		sort.Slice(dataset.Snapshots, func(i, j int) bool {
			return dataset.Snapshots[i].Tag < dataset.Snapshots[j].Tag
		})
	}

	sort.Strings(reg.Orphans)

	return reg, nil
}

func (r *Registry) Dataset(name string) (*snaptypes.Dataset, bool) {
	dataset, found := r.datasets[name]
	return dataset, found
}

// all datasets, sorted by name
func (r *Registry) Datasets() []*snaptypes.Dataset {
	datasets := make([]*snaptypes.Dataset, 0, len(r.datasets))
	for _, dataset := range r.datasets {
		datasets = append(datasets, dataset)
	}

	sort.Slice(datasets, func(i, j int) bool { return datasets[i].Name < datasets[j].Name })

	return datasets
}

// narrows down to named datasets (+ their descendants if recursive). no names = everything.
func (r *Registry) Select(names []string, recursive bool) ([]*snaptypes.Dataset, error) {
	if len(names) == 0 {
		return r.Datasets(), nil
	}

	for _, name := range names {
		if _, found := r.datasets[name]; !found {
			return nil, fmt.Errorf("%s: %w", name, snaptypes.ErrDatasetNotFound)
		}
	}

	selected := []*snaptypes.Dataset{}

	for _, dataset := range r.Datasets() {
		for _, name := range names {
			if dataset.Name == name || (recursive && strings.HasPrefix(dataset.Name, name+"/")) {
				selected = append(selected, dataset)
				break
			}
		}
	}

	return selected, nil
}

func datasetFromRecord(name string, kind snaptypes.Kind, record snaptypes.Record) (*snaptypes.Dataset, error) {
	used, err := parseBytes(record.Get(snaptypes.PropUsed))
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", name, snaptypes.PropUsed, err)
	}

	return &snaptypes.Dataset{
		Name:           name,
		Kind:           kind,
		UsedBytes:      used,
		AutoEnabled:    record.Get(snaptypes.PropAuto) == "true",
		PolicyOverride: strings.TrimSpace(record.Get(snaptypes.PropPolicy)),
		Snapshots:      []*snaptypes.Snapshot{},
	}, nil
}

func snapshotFromRecord(record snaptypes.Record) (*snaptypes.Snapshot, error) {
	name := record.Get(snaptypes.PropName)

	dataset, tag, ok := snaptypes.SplitSnapshotName(name)
	if !ok {
		return nil, fmt.Errorf("snapshot name without separator: %s", name)
	}

	used, err := parseBytes(record.Get(snaptypes.PropUsed))
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", name, snaptypes.PropUsed, err)
	}

	createdAt, err := parseTimestamp(record.Get(snaptypes.PropCreatedAt))
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", name, snaptypes.PropCreatedAt, err)
	}

	expiresAt, err := parseTimestamp(record.Get(snaptypes.PropExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", name, snaptypes.PropExpiresAt, err)
	}

	policySeconds, err := snaptypes.ParsePolicySeconds(record.Get(snaptypes.PropPolicies))
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", name, snaptypes.PropPolicies, err)
	}

	return &snaptypes.Snapshot{
		Dataset:       dataset,
		Tag:           tag,
		CreatedAt:     createdAt,
		ExpiresAt:     expiresAt,
		PolicySeconds: policySeconds,
		UsedBytes:     used,
	}, nil
}

// "" => zero time
func parseTimestamp(serialized string) (time.Time, error) {
	if serialized == "" {
		return time.Time{}, nil
	}

	epoch, err := strconv.ParseInt(serialized, 10, 64)
	if err != nil {
		return time.Time{}, err
	}

	return time.Unix(epoch, 0).UTC(), nil
}

func parseBytes(serialized string) (uint64, error) {
	if serialized == "" {
		return 0, nil
	}

	return strconv.ParseUint(serialized, 10, 64)
}
