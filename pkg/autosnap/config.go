package autosnap

import (
	"errors"
	"fmt"

	"github.com/function61/autosnap/pkg/scheduler"
	"github.com/function61/autosnap/pkg/snappolicy"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/jsonfile"
)

const DefaultConfigPath = "/etc/autosnap/config.json"

var ErrBadConfig = errors.New("bad configuration")

type Config struct {
	DefaultPolicy   string `json:"default_policy"` // for datasets without a policy override
	ZfsBinary       string `json:"zfs_binary"`
	LockPath        string `json:"lock_path"`
	JournalPath     string `json:"journal_path"`
	MetricsTextfile string `json:"metrics_textfile"` // empty = don't write metrics
	DaemonSchedule  string `json:"daemon_schedule"`  // cron expression
	SkipUnchanged   bool   `json:"skip_unchanged"`   // no scheduled snapshot if nothing was written since the latest one
}

func DefaultConfig() *Config {
	return &Config{
		DefaultPolicy:   "4 * 15 minutes; 24 hourly; 7 daily; 4 weekly; 12 monthly",
		ZfsBinary:       "zfs",
		LockPath:        "/run/autosnap.lock",
		JournalPath:     "/var/lib/autosnap/journal.db",
		MetricsTextfile: "",
		DaemonSchedule:  "*/15 * * * *",
	}
}

// missing file at the default path means defaults. an explicitly given path must exist.
// fields not present in the file keep their default values.
func LoadConfig(path string, explicit bool) (*Config, error) {
	conf := DefaultConfig()

	exists, err := fileexists.Exists(path)
	if err != nil {
		return nil, err
	}

	if !exists {
		if explicit {
			return nil, fmt.Errorf("%w: %s does not exist", ErrBadConfig, path)
		}

		return conf, nil
	}

	if err := jsonfile.Read(path, conf, true); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadConfig, path, err)
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return conf, nil
}

func (c *Config) Validate() error {
	if _, err := snappolicy.Parse(c.DefaultPolicy); err != nil {
		return fmt.Errorf("%w: default_policy: %w", ErrBadConfig, err)
	}

	if c.ZfsBinary == "" {
		return fmt.Errorf("%w: zfs_binary cannot be empty", ErrBadConfig)
	}

	if c.LockPath == "" {
		return fmt.Errorf("%w: lock_path cannot be empty", ErrBadConfig)
	}

	if c.JournalPath == "" {
		return fmt.Errorf("%w: journal_path cannot be empty", ErrBadConfig)
	}

	if _, err := scheduler.ParseSchedule(c.DaemonSchedule); err != nil {
		return fmt.Errorf("%w: daemon_schedule: %v", ErrBadConfig, err)
	}

	return nil
}
