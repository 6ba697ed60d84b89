// Snapshot retention for ZFS: configuration, run driver and the command line surface
package autosnap

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/function61/autosnap/pkg/runjournal"
	"github.com/function61/autosnap/pkg/runlock"
	"github.com/function61/autosnap/pkg/snapengine"
	"github.com/function61/autosnap/pkg/snapmetrics"
	"github.com/function61/autosnap/pkg/snappolicy"
	"github.com/function61/autosnap/pkg/snapqueue"
	"github.com/function61/autosnap/pkg/snapregistry"
	"github.com/function61/autosnap/pkg/snaptypes"
	"github.com/function61/gokit/logex"
)

// what we need from the storage system. implemented by zfscli.Client
type PropertyStore interface {
	snapregistry.Lister
	snapqueue.Executor
	GetProperty(ctx context.Context, dataset string, property string) (string, error)
	SetProperty(ctx context.Context, dataset string, property string, value string) error
	InheritProperty(ctx context.Context, dataset string, property string) error
}

// which datasets a command operates on. no names = all of them
type Selection struct {
	Datasets  []string
	Recursive bool
}

type App struct {
	conf    *Config
	store   PropertyStore
	engine  *snapengine.Engine
	journal *runjournal.Journal // nil = runs are not recorded
	out     io.Writer
	dryRun  bool
	verbose bool
	now     func() time.Time
	logger  *log.Logger
	log     *logex.Leveled
}

func NewApp(
	conf *Config,
	store PropertyStore,
	journal *runjournal.Journal,
	out io.Writer,
	dryRun bool,
	verbose bool,
	logger *log.Logger,
) *App {
	logger = logex.NonNil(logger)

	return &App{
		conf:    conf,
		store:   store,
		engine:  snapengine.New(conf.DefaultPolicy, logex.Prefix("engine", logger)),
		journal: journal,
		out:     out,
		dryRun:  dryRun,
		verbose: verbose,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
		log:     logex.Levels(logger),
	}
}

func (a *App) Create(ctx context.Context, sel Selection, opts snapengine.CreateOptions) error {
	return a.run(ctx, "create", sel, func(ctx context.Context) (snapqueue.Result, error) {
		return a.createPass(ctx, sel, opts)
	})
}

func (a *App) Expire(ctx context.Context, sel Selection) error {
	return a.run(ctx, "expire", sel, func(ctx context.Context) (snapqueue.Result, error) {
		return a.destroyPass(ctx, sel, a.engine.Expire)
	})
}

func (a *App) Clean(ctx context.Context, sel Selection) error {
	return a.run(ctx, "clean", sel, func(ctx context.Context) (snapqueue.Result, error) {
		return a.destroyPass(ctx, sel, a.engine.Clean)
	})
}

// create, then expire + clean against a fresh listing (so that cleanup sees what we just
// created)
func (a *App) Auto(ctx context.Context, sel Selection) error {
	return a.run(ctx, "auto", sel, func(ctx context.Context) (snapqueue.Result, error) {
		created, err := a.createPass(ctx, sel, snapengine.CreateOptions{})
		if err != nil {
			return created, err
		}

		retention, err := a.destroyPass(ctx, sel, func(datasets []*snaptypes.Dataset, now time.Time) []snaptypes.PendingOperation {
			return append(a.engine.Expire(datasets, now), a.engine.Clean(datasets, now)...)
		})

		return snapqueue.Result{
			Created:   created.Created,
			Destroyed: retention.Destroyed,
		}, err
	})
}

// destroys every automatic snapshot
func (a *App) Nuke(ctx context.Context, sel Selection) error {
	return a.run(ctx, "nuke", sel, func(ctx context.Context) (snapqueue.Result, error) {
		return a.destroyPass(ctx, sel, func(datasets []*snaptypes.Dataset, _ time.Time) []snaptypes.PendingOperation {
			return a.engine.Nuke(datasets)
		})
	})
}

// empty spec or Unset reverts to the inherited policy
func (a *App) SetPolicy(ctx context.Context, spec string, datasetNames []string) error {
	revert := spec == "" || spec == snaptypes.Unset || spec == "inherit"

	if !revert {
		if _, err := snappolicy.Parse(spec); err != nil {
			return err
		}
	}

	datasets, err := a.load(ctx, Selection{Datasets: datasetNames})
	if err != nil {
		return err
	}

	for _, dataset := range datasets {
		previous, err := a.store.GetProperty(ctx, dataset.Name, snaptypes.PropPolicy)
		if err != nil {
			return err
		}

		if revert {
			a.log.Info.Printf("%s: policy %q => inherited", dataset.Name, previous)

			if err := a.store.InheritProperty(ctx, dataset.Name, snaptypes.PropPolicy); err != nil {
				return err
			}

			continue
		}

		a.log.Info.Printf("%s: policy %q => %q", dataset.Name, previous, spec)

		if err := a.store.SetProperty(ctx, dataset.Name, snaptypes.PropPolicy, spec); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) SetEnabled(ctx context.Context, datasetNames []string, enabled bool) error {
	datasets, err := a.load(ctx, Selection{Datasets: datasetNames})
	if err != nil {
		return err
	}

	for _, dataset := range datasets {
		if err := a.store.SetProperty(ctx, dataset.Name, snaptypes.PropAuto, fmt.Sprintf("%t", enabled)); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) createPass(ctx context.Context, sel Selection, opts snapengine.CreateOptions) (snapqueue.Result, error) {
	datasets, err := a.load(ctx, sel)
	if err != nil {
		return snapqueue.Result{}, err
	}

	creates := a.engine.Create(datasets, a.now(), opts)

	// an explicit --keep-for snapshot is always taken
	if a.conf.SkipUnchanged && opts.KeepFor == 0 {
		creates, err = a.withoutUnchanged(ctx, creates)
		if err != nil {
			return snapqueue.Result{}, err
		}
	}

	queue := snapqueue.New(logex.Prefix("queue", a.logger))
	queue.Add(creates...)

	return a.commit(ctx, queue)
}

// drops creates for datasets that have had nothing written since their latest snapshot.
// they stay due, so the snapshot is taken on the first run after something changes.
func (a *App) withoutUnchanged(ctx context.Context, creates []snaptypes.PendingOperation) ([]snaptypes.PendingOperation, error) {
	kept := []snaptypes.PendingOperation{}

	for _, op := range creates {
		written, err := a.store.GetProperty(ctx, op.Dataset, snaptypes.PropWritten)
		if err != nil {
			return nil, err
		}

		if written == "0" {
			a.log.Info.Printf("%s: nothing written since latest snapshot, skipping", op.Dataset)
			continue
		}

		kept = append(kept, op)
	}

	return kept, nil
}

func (a *App) destroyPass(
	ctx context.Context,
	sel Selection,
	decide func([]*snaptypes.Dataset, time.Time) []snaptypes.PendingOperation,
) (snapqueue.Result, error) {
	datasets, err := a.load(ctx, sel)
	if err != nil {
		return snapqueue.Result{}, err
	}

	queue := snapqueue.New(logex.Prefix("queue", a.logger))
	queue.Add(decide(datasets, a.now())...)

	return a.commit(ctx, queue)
}

func (a *App) commit(ctx context.Context, queue *snapqueue.Queue) (snapqueue.Result, error) {
	if queue.Empty() {
		a.log.Debug.Println("nothing to do")
		return snapqueue.Result{}, nil
	}

	if a.dryRun || a.verbose {
		queue.Render(a.out)
	}

	result, err := queue.Commit(ctx, a.store)

	a.log.Info.Printf("created %d, destroyed %d snapshot(s)", result.Created, result.Destroyed)

	return result, err
}

func (a *App) load(ctx context.Context, sel Selection) ([]*snaptypes.Dataset, error) {
	reg, err := snapregistry.Load(ctx, a.store, logex.Prefix("registry", a.logger))
	if err != nil {
		return nil, err
	}

	return reg.Select(sel.Datasets, sel.Recursive)
}

// one mutating run: take the run lock, do the work, record the outcome. the lock is
// tried first and never waited on, so an overlapping run fails right away with
// ErrAlreadyRunning. the journal is only opened after the work, while we still hold
// the lock.
//
// dry runs don't take the lock. they only read, so they can't conflict with a real run
// (and "auto -n" keeps working while the daemon is busy).
func (a *App) run(
	ctx context.Context,
	command string,
	sel Selection,
	work func(context.Context) (snapqueue.Result, error),
) error {
	if !a.dryRun {
		release, err := runlock.TryAcquire(a.conf.LockPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := release(); err != nil {
				a.log.Error.Printf("releasing run lock: %v", err)
			}
		}()
	}

	started := a.now()

	result, err := work(ctx)

	run := runjournal.Run{
		Command:   command,
		Datasets:  sel.Datasets,
		Started:   started,
		Duration:  a.now().Sub(started),
		DryRun:    a.dryRun,
		Created:   result.Created,
		Destroyed: result.Destroyed,
	}
	if err != nil {
		run.Error = err.Error()
	}

	// bookkeeping failures must not mask the run's own outcome
	if recordErr := a.record(run); recordErr != nil {
		a.log.Error.Printf("recording run: %v", recordErr)
	}

	return err
}

func (a *App) record(run runjournal.Run) error {
	if a.journal != nil {
		if err := a.journal.Record(&run); err != nil {
			return err
		}
	}

	if a.conf.MetricsTextfile == "" {
		return nil
	}

	metrics, err := a.metrics(run)
	if err != nil {
		return err
	}

	return metrics.WriteTextfile(a.conf.MetricsTextfile)
}

func (a *App) metrics(latest runjournal.Run) (*snapmetrics.Metrics, error) {
	if a.journal == nil {
		return snapmetrics.FromJournal([]runjournal.Run{latest}), nil
	}

	runs, err := a.journal.Recent(runjournal.DefaultRetain)
	if err != nil {
		return nil, err
	}

	return snapmetrics.FromJournal(runs), nil
}
