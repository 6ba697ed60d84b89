package autosnap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/function61/autosnap/pkg/humanize"
	"github.com/function61/autosnap/pkg/snaptypes"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

// scripted output is tab-separated exact values without a header (think "zfs list -H -p")
func (a *App) List(ctx context.Context, sel Selection, out io.Writer, scripted bool) error {
	datasets, err := a.load(ctx, sel)
	if err != nil {
		return err
	}

	now := a.now()

	if scripted {
		for _, dataset := range datasets {
			fmt.Fprintf(out, "%s\t%s\t%t\t%s\t%s\t%s\t%d\n",
				dataset.Name,
				dataset.Kind,
				dataset.AutoEnabled,
				a.describePolicy(dataset),
				snaptypes.Unset,
				snaptypes.Unset,
				dataset.UsedBytes)

			for _, snap := range dataset.AutoSnapshots() {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%d\t%s\t%d\n",
					snap.Name(),
					snaptypes.KindSnapshot,
					snaptypes.Unset,
					snaptypes.FormatPolicySeconds(snap.PolicySeconds),
					snap.CreatedAt.Unix(),
					epochOrUnset(snap.ExpiresAt),
					snap.UsedBytes)
			}
		}

		return nil
	}

	tbl := tablewriter.NewWriter(out)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)
	tbl.SetHeader([]string{"Name", "Auto", "Policy", "Age", "Expires", "Used"})

	for _, dataset := range datasets {
		tbl.Append([]string{
			dataset.Name,
			boolToYesNo(dataset.AutoEnabled),
			a.describePolicy(dataset),
			"",
			"",
			humanize.Bytes(dataset.UsedBytes),
		})

		for _, snap := range dataset.AutoSnapshots() {
			expires := ""
			if !snap.ExpiresAt.IsZero() {
				expires = humanize.Relative(snap.ExpiresAt, now)
			}

			tbl.Append([]string{
				"  " + snaptypes.SnapshotSeparator + snap.Tag,
				"",
				strings.Join(lo.Map(snap.PolicySeconds, func(seconds int64, _ int) string {
					return humanize.Duration(time.Duration(seconds) * time.Second)
				}), ", "),
				humanize.Relative(snap.CreatedAt, now),
				expires,
				humanize.Bytes(snap.UsedBytes),
			})
		}
	}

	tbl.Render()

	return nil
}

func (a *App) History(out io.Writer, limit int, scripted bool) error {
	if a.journal == nil {
		return errors.New("run journal not available")
	}

	runs, err := a.journal.Recent(limit)
	if err != nil {
		return err
	}

	result := func(failure string, dryRun bool) string {
		switch {
		case failure != "":
			return failure
		case dryRun:
			return "ok (dry run)"
		default:
			return "ok"
		}
	}

	if scripted {
		for _, run := range runs {
			fmt.Fprintf(out, "%d\t%s\t%d\t%.3f\t%d\t%d\t%s\n",
				run.ID,
				run.Command,
				run.Started.Unix(),
				run.Duration.Seconds(),
				run.Created,
				run.Destroyed,
				result(run.Error, run.DryRun))
		}

		return nil
	}

	now := a.now()

	tbl := tablewriter.NewWriter(out)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)
	tbl.SetHeader([]string{"#", "Command", "Started", "Took", "Created", "Destroyed", "Result"})

	for _, run := range runs {
		tbl.Append([]string{
			fmt.Sprintf("%d", run.ID),
			run.Command,
			humanize.Relative(run.Started, now),
			humanize.Duration(run.Duration),
			fmt.Sprintf("%d", run.Created),
			fmt.Sprintf("%d", run.Destroyed),
			result(run.Error, run.DryRun),
		})
	}

	tbl.Render()

	return nil
}

func (a *App) describePolicy(dataset *snaptypes.Dataset) string {
	policy, err := a.engine.EffectivePolicy(dataset)
	if err != nil {
		return "invalid: " + dataset.PolicyOverride
	}

	if dataset.PolicyOverride == "" {
		return policy.String() + " (default)"
	}

	return policy.String()
}

func epochOrUnset(ts time.Time) string {
	if ts.IsZero() {
		return snaptypes.Unset
	}

	return fmt.Sprintf("%d", ts.Unix())
}

func boolToYesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}
