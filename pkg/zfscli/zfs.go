// Thin wrapper around the "zfs" command line tool
package zfscli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/function61/autosnap/pkg/snaptypes"
	"github.com/function61/gokit/logex"
	"github.com/samber/lo"
)

// runs argv and returns its stdout. failures are *snaptypes.ExecError
type Runner func(ctx context.Context, argv []string) ([]byte, error)

type Client struct {
	binary string
	run    Runner
	dryRun io.Writer // non-nil => mutating commands are only printed here
	log    *logex.Leveled
}

// resolves the binary from $PATH (unless absolute) so that a missing tool is detected
// before we do anything
func New(binary string, logger *log.Logger) (*Client, error) {
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", binary, snaptypes.ErrToolMissing)
	}

	return NewWithRunner(resolved, ExecRunner, logger), nil
}

func NewWithRunner(binary string, run Runner, logger *log.Logger) *Client {
	return &Client{
		binary: binary,
		run:    run,
		log:    logex.Levels(logex.NonNil(logger)),
	}
}

// after this, mutating commands are written to out instead of being run. reads still
// execute so decisions are computed against the real state.
func (c *Client) EnableDryRun(out io.Writer) {
	c.dryRun = out
}

func (c *Client) List(ctx context.Context, kinds []snaptypes.Kind, fields []string) ([]snaptypes.Record, error) {
	kindNames := lo.Map(kinds, func(kind snaptypes.Kind, _ int) string { return string(kind) })

	output, err := c.query(ctx,
		"list",
		"-H", // no header, tab-separated
		"-p", // exact numbers
		"-o", strings.Join(fields, ","),
		"-t", strings.Join(kindNames, ","))
	if err != nil {
		return nil, err
	}

	return parseListing(output, fields)
}

// returns "" for an unset property
func (c *Client) GetProperty(ctx context.Context, dataset string, property string) (string, error) {
	output, err := c.query(ctx, "get", "-H", "-p", "-o", "value", property, dataset)
	if err != nil {
		return "", err
	}

	return snaptypes.Record{property: strings.TrimRight(string(output), "\n")}.Get(property), nil
}

func (c *Client) SetProperty(ctx context.Context, dataset string, property string, value string) error {
	return c.mutate(ctx, "set", property+"="+value, dataset)
}

// removes a locally set property so that the value is inherited again
func (c *Client) InheritProperty(ctx context.Context, dataset string, property string) error {
	return c.mutate(ctx, "inherit", property, dataset)
}

// snapshots are created atomically in a single invocation
func (c *Client) CreateSnapshots(ctx context.Context, names []string, props map[string]string) error {
	if len(names) == 0 {
		return nil
	}

	args := []string{"snapshot"}

	keys := lo.Keys(props)
	sort.Strings(keys)

	for _, key := range keys {
		args = append(args, "-o", key+"="+props[key])
	}

	return c.mutate(ctx, append(args, names...)...)
}

// the tool accepts "dataset@tag1,tag2,..." for destroying many snapshots of one dataset
func (c *Client) DestroySnapshots(ctx context.Context, dataset string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}

	return c.mutate(ctx, "destroy", snaptypes.SnapshotName(dataset, strings.Join(tags, ",")))
}

func (c *Client) query(ctx context.Context, args ...string) ([]byte, error) {
	argv := append([]string{c.binary}, args...)

	c.log.Debug.Printf("exec: %s", formatArgv(argv))

	return c.run(ctx, argv)
}

func (c *Client) mutate(ctx context.Context, args ...string) error {
	argv := append([]string{c.binary}, args...)

	if c.dryRun != nil {
		_, err := fmt.Fprintln(c.dryRun, formatArgv(argv))
		return err
	}

	c.log.Debug.Printf("exec: %s", formatArgv(argv))

	_, err := c.run(ctx, argv)
	return err
}

func ExecRunner(ctx context.Context, argv []string) ([]byte, error) {
	stderr := &bytes.Buffer{}

	//nolint:gosec // argv is built by us
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = stderr

	stdout, err := cmd.Output()
	if err != nil {
		return stdout, execError(argv, err, stderr.String())
	}

	return stdout, nil
}

func execError(argv []string, err error, stderr string) error {
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		return &snaptypes.ExecError{Argv: argv, ExitStatus: exitErr.ExitCode(), Stderr: stderr, Err: err}
	case errors.Is(err, syscall.E2BIG): // kernel refused to start the process
		return &snaptypes.ExecError{Argv: argv, ExitStatus: -1, Stderr: "argument list too long", Err: err}
	case errors.Is(err, exec.ErrNotFound):
		return fmt.Errorf("%s: %w", argv[0], snaptypes.ErrToolMissing)
	default:
		return &snaptypes.ExecError{Argv: argv, ExitStatus: -1, Stderr: stderr, Err: err}
	}
}

func parseListing(output []byte, fields []string) ([]snaptypes.Record, error) {
	records := []snaptypes.Record{}

	for lineNo, line := range strings.Split(string(output), "\n") {
		if line == "" {
			continue
		}

		columns := strings.Split(line, "\t")
		if len(columns) != len(fields) {
			return nil, fmt.Errorf(
				"listing line %d: expected %d columns, got %d",
				lineNo+1,
				len(fields),
				len(columns))
		}

		record := snaptypes.Record{}
		for i, field := range fields {
			record[field] = columns[i]
		}

		records = append(records, record)
	}

	return records, nil
}

// for display only
func formatArgv(argv []string) string {
	return strings.Join(lo.Map(argv, func(arg string, _ int) string {
		if arg == "" || strings.ContainsAny(arg, " \t\"'") {
			return strconv.Quote(arg)
		}

		return arg
	}), " ")
}
