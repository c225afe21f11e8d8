package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOr(t *testing.T) {
	t.Setenv("DT_TEST_KEY", "value")
	assert.Equal(t, "value", EnvOr("DT_TEST_KEY", "default"))
	assert.Equal(t, "default", EnvOr("DT_TEST_MISSING", "default"))
}

func TestMust(t *testing.T) {
	_, err := Must("DT_TEST_MISSING")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DT_TEST_MISSING")

	t.Setenv("DT_TEST_KEY", "x")
	v, err := Must("DT_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestDuration(t *testing.T) {
	d, err := Duration("DT_TEST_DUR", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	t.Setenv("DT_TEST_DUR", "300")
	d, err = Duration("DT_TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, d)

	t.Setenv("DT_TEST_DUR", "250ms")
	d, err = Duration("DT_TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	t.Setenv("DT_TEST_DUR", "soon")
	_, err = Duration("DT_TEST_DUR", 0)
	assert.Error(t, err)
}

func TestInt(t *testing.T) {
	n, err := Int("DT_TEST_INT", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	t.Setenv("DT_TEST_INT", "nope")
	_, err = Int("DT_TEST_INT", 7)
	assert.Error(t, err)
}

func TestProjectNames(t *testing.T) {
	t.Setenv("PROJECT_NAME", "")
	t.Setenv("ENVIRONMENT", "")
	p := LoadProject("ENVIRONMENT")
	assert.Equal(t, "darktracer-logs-dev", p.LogsBucket())
	assert.Equal(t, "darktracer-training-bucket-dev", p.TrainingBucket())
	assert.Equal(t, "darktracer_clean_logs_dev", p.AthenaDatabase())

	t.Setenv("PROJECT_NAME", "acme")
	t.Setenv("ENV", "prod")
	p = LoadProject("ENV")
	assert.Equal(t, "acme-blocked-ip-set-prod", p.IPSetName())
}
