// Accumulates pending operations and applies them in batches: creates first, then
// destroys (concurrently across datasets)
package snapqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/function61/autosnap/pkg/snaptypes"
	"github.com/function61/gokit/logex"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type Executor interface {
	// all names get the same properties
	CreateSnapshots(ctx context.Context, names []string, props map[string]string) error
	// tags all belong to the dataset
	DestroySnapshots(ctx context.Context, dataset string, tags []string) error
}

type Result struct {
	Created   int
	Destroyed int
}

type Queue struct {
	creates  map[string]*createGroup  // key is stampKey() of the properties
	destroys map[string]*destroyGroup // key is dataset name
	log      *logex.Leveled
}

type createGroup struct {
	props   map[string]string
	names   []string
	reasons map[string]string
}

type destroyGroup struct {
	dataset string
	tags    []string
	reasons map[string]string
}

func New(logger *log.Logger) *Queue {
	q := &Queue{
		log: logex.Levels(logex.NonNil(logger)),
	}
	q.reset()

	return q
}

func (q *Queue) Add(ops ...snaptypes.PendingOperation) {
	for _, op := range ops {
		switch op.Action {
		case snaptypes.ActionCreate:
			group := q.createGroupFor(op.Properties)

			name := op.SnapshotName()
			if _, dup := group.reasons[name]; dup {
				continue
			}

			group.names = append(group.names, name)
			group.reasons[name] = op.Reason
		case snaptypes.ActionDestroy:
			group := q.destroyGroupFor(op.Dataset)

			// e.g. both expired and cleaned up
			if _, dup := group.reasons[op.Tag]; dup {
				continue
			}

			group.tags = append(group.tags, op.Tag)
			group.reasons[op.Tag] = op.Reason
		default:
			panic("unknown action: " + op.Action)
		}
	}
}

func (q *Queue) Empty() bool {
	return len(q.creates) == 0 && len(q.destroys) == 0
}

func (q *Queue) PendingCreates() int {
	return lo.SumBy(lo.Values(q.creates), func(group *createGroup) int { return len(group.names) })
}

func (q *Queue) PendingDestroys() int {
	return lo.SumBy(lo.Values(q.destroys), func(group *destroyGroup) int { return len(group.tags) })
}

// human readable listing of what a commit would do, in commit order
func (q *Queue) Render(out io.Writer) {
	for _, group := range q.sortedCreateGroups() {
		for _, name := range group.names {
			fmt.Fprintf(out, "create  %s (%s) %s\n", name, group.reasons[name], formatProps(group.props))
		}
	}

	for _, group := range q.sortedDestroyGroups() {
		for _, tag := range group.tags {
			fmt.Fprintf(out, "destroy %s (%s)\n", snaptypes.SnapshotName(group.dataset, tag), group.reasons[tag])
		}
	}
}

// applies everything queued. the queue is empty afterwards even if this fails: partially
// applied effects are visible in the next listing, which is our source of truth anyway.
func (q *Queue) Commit(ctx context.Context, exec Executor) (Result, error) {
	defer q.reset()

	result := Result{}

	// once a batch hits the tool's argument limit we stay at one-per-call for the rest
	// of this commit
	perItem := &atomic.Bool{}

	for _, group := range q.sortedCreateGroups() {
		created, err := q.commitCreate(ctx, exec, group, perItem)
		result.Created += created
		if err != nil {
			return result, fmt.Errorf("create: %w", err)
		}
	}

	destroyGroups := q.sortedDestroyGroups()
	destroyed := make([]int, len(destroyGroups))
	errs := make([]error, len(destroyGroups))

	// one group failing must not stop the others, so we don't use errgroup.WithContext()
	// and collect every error instead of just the first
	workers := errgroup.Group{}

	for i, group := range destroyGroups {
		workers.Go(func() error {
			destroyed[i], errs[i] = q.commitDestroy(ctx, exec, group, perItem)
			return errs[i]
		})
	}

	_ = workers.Wait()

	result.Destroyed = lo.Sum(destroyed)

	if err := errors.Join(errs...); err != nil {
		return result, fmt.Errorf("destroy: %w", err)
	}

	return result, nil
}

func (q *Queue) commitCreate(ctx context.Context, exec Executor, group *createGroup, perItem *atomic.Bool) (int, error) {
	if !perItem.Load() {
		err := exec.CreateSnapshots(ctx, group.names, group.props)
		if err == nil {
			return len(group.names), nil
		}

		if !errors.Is(err, snaptypes.ErrBatchLimit) || len(group.names) == 1 {
			return 0, err
		}

		q.log.Info.Printf("batch of %d creates too large, falling back to one by one", len(group.names))

		perItem.Store(true)
	}

	for i, name := range group.names {
		if err := exec.CreateSnapshots(ctx, []string{name}, group.props); err != nil {
			return i, err
		}
	}

	return len(group.names), nil
}

func (q *Queue) commitDestroy(ctx context.Context, exec Executor, group *destroyGroup, perItem *atomic.Bool) (int, error) {
	if !perItem.Load() {
		err := exec.DestroySnapshots(ctx, group.dataset, group.tags)
		if err == nil {
			return len(group.tags), nil
		}

		if !errors.Is(err, snaptypes.ErrBatchLimit) || len(group.tags) == 1 {
			return 0, fmt.Errorf("%s: %w", group.dataset, err)
		}

		q.log.Info.Printf("%s: batch of %d destroys too large, falling back to one by one", group.dataset, len(group.tags))

		perItem.Store(true)
	}

	for i, tag := range group.tags {
		if err := exec.DestroySnapshots(ctx, group.dataset, []string{tag}); err != nil {
			return i, fmt.Errorf("%s: %w", group.dataset, err)
		}
	}

	return len(group.tags), nil
}

func (q *Queue) createGroupFor(props map[string]string) *createGroup {
	key := stampKey(props)

	group, found := q.creates[key]
	if !found {
		group = &createGroup{
			props:   props,
			names:   []string{},
			reasons: map[string]string{},
		}
		q.creates[key] = group
	}

	return group
}

func (q *Queue) destroyGroupFor(dataset string) *destroyGroup {
	group, found := q.destroys[dataset]
	if !found {
		group = &destroyGroup{
			dataset: dataset,
			tags:    []string{},
			reasons: map[string]string{},
		}
		q.destroys[dataset] = group
	}

	return group
}

func (q *Queue) sortedCreateGroups() []*createGroup {
	keys := lo.Keys(q.creates)
	sort.Strings(keys)

	return lo.Map(keys, func(key string, _ int) *createGroup { return q.creates[key] })
}

func (q *Queue) sortedDestroyGroups() []*destroyGroup {
	datasets := lo.Keys(q.destroys)
	sort.Strings(datasets)

	return lo.Map(datasets, func(dataset string, _ int) *destroyGroup { return q.destroys[dataset] })
}

func (q *Queue) reset() {
	q.creates = map[string]*createGroup{}
	q.destroys = map[string]*destroyGroup{}
}

// identical property sets => identical key
func stampKey(props map[string]string) string {
	return formatProps(props)
}

func formatProps(props map[string]string) string {
	keys := lo.Keys(props)
	sort.Strings(keys)

	return strings.Join(lo.Map(keys, func(key string, _ int) string {
		return key + "=" + props[key]
	}), ",")
}
