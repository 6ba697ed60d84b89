package autosnap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/function61/autosnap/pkg/snappolicy"
	"github.com/function61/gokit/assert"
)

func TestLoadConfigMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	conf, err := LoadConfig(path, false)
	assert.Ok(t, err)
	assert.EqualString(t, conf.ZfsBinary, "zfs")
	assert.Ok(t, conf.Validate())

	_, err = LoadConfig(path, true)
	assert.Assert(t, errors.Is(err, ErrBadConfig))
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{"default_policy": "7 daily", "zfs_binary": "/sbin/zfs"}`)

	conf, err := LoadConfig(path, true)
	assert.Ok(t, err)
	assert.EqualString(t, conf.DefaultPolicy, "7 daily")
	assert.EqualString(t, conf.ZfsBinary, "/sbin/zfs")
	assert.EqualString(t, conf.LockPath, DefaultConfig().LockPath)
}

func TestLoadConfigRejects(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"default_policy": "30 seconds"}`), true)
	var parseErr *snappolicy.ParseError
	assert.Assert(t, errors.As(err, &parseErr))
	assert.Assert(t, errors.Is(err, ErrBadConfig))
	assert.Assert(t, exitCodeFor(err) == 78)

	_, err = LoadConfig(writeConfig(t, `{"default_polciy": "7 daily"}`), true)
	assert.Assert(t, errors.Is(err, ErrBadConfig))

	_, err = LoadConfig(writeConfig(t, `{"daemon_schedule": "whenever"}`), true)
	assert.Assert(t, errors.Is(err, ErrBadConfig))

	_, err = LoadConfig(writeConfig(t, `{"zfs_binary": ""}`), true)
	assert.Assert(t, errors.Is(err, ErrBadConfig))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	assert.Ok(t, os.WriteFile(path, []byte(content), 0600))

	return path
}
