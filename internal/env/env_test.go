package env

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerEnv struct {
	DSN          string        `env:"TEST_DSN"`
	Concurrency  int           `env:"TEST_CONCURRENCY"`
	PollInterval time.Duration `env:"TEST_POLL_INTERVAL"`
	Debug        bool          `env:"TEST_DEBUG"`
	untagged     string
}

func TestLoad_AllTypes(t *testing.T) {
	t.Setenv("TEST_DSN", "postgres://localhost/steve")
	t.Setenv("TEST_CONCURRENCY", "8")
	t.Setenv("TEST_POLL_INTERVAL", "250ms")
	t.Setenv("TEST_DEBUG", "true")

	var cfg workerEnv
	require.NoError(t, Load(&cfg))

	assert.Equal(t, "postgres://localhost/steve", cfg.DSN)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.Debug)
}

func TestLoad_UnsetLeavesDefaults(t *testing.T) {
	cfg := workerEnv{DSN: "keep-me", Concurrency: 2}
	require.NoError(t, Load(&cfg))

	assert.Equal(t, "keep-me", cfg.DSN)
	assert.Equal(t, 2, cfg.Concurrency)
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("TEST_CONCURRENCY", "lots")

	var cfg workerEnv
	err := Load(&cfg)
	require.Error(t, err)

	var invalid ErrInvalidValue
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "TEST_CONCURRENCY", invalid.EnvVar)
	assert.Equal(t, "lots", invalid.Value)
}

func TestLoad_RejectsNonStructPointer(t *testing.T) {
	var n int
	assert.Error(t, Load(&n))
	assert.Error(t, Load(workerEnv{}))
}

type validated struct {
	Concurrency int `env:"TEST_CONCURRENCY"`
}

func (v *validated) Validate() error {
	if v.Concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}
	return nil
}

func TestLoad_RunsValidator(t *testing.T) {
	t.Setenv("TEST_CONCURRENCY", "-1")

	var cfg validated
	err := Load(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")
}

type nested struct {
	Inner validated
	Name  string `env:"TEST_NAME"`
}

func TestLoad_NestedStruct(t *testing.T) {
	t.Setenv("TEST_CONCURRENCY", "4")
	t.Setenv("TEST_NAME", "steve")

	var cfg nested
	require.NoError(t, Load(&cfg))
	assert.Equal(t, 4, cfg.Inner.Concurrency)
	assert.Equal(t, "steve", cfg.Name)
}
