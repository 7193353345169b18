package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("BILITUI_TEST_STR", "value")
	assert.Equal(t, "value", GetEnv("BILITUI_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", GetEnv("BILITUI_TEST_UNSET", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("BILITUI_TEST_INT", "42")
	assert.Equal(t, 42, GetEnvInt("BILITUI_TEST_INT", 7))

	t.Setenv("BILITUI_TEST_INT", "not-a-number")
	assert.Equal(t, 7, GetEnvInt("BILITUI_TEST_INT", 7))
	assert.Equal(t, 7, GetEnvInt("BILITUI_TEST_INT_UNSET", 7))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("BILITUI_TEST_DUR", "30s")
	assert.Equal(t, 30*time.Second, GetEnvDuration("BILITUI_TEST_DUR", time.Minute))

	t.Setenv("BILITUI_TEST_DUR", "soon")
	assert.Equal(t, time.Minute, GetEnvDuration("BILITUI_TEST_DUR", time.Minute))
}

func TestDataDirPrecedence(t *testing.T) {
	t.Setenv("BILITUI_DATA_DIR", "/tmp/custom")
	assert.Equal(t, "/tmp/custom", DataDir())

	t.Setenv("BILITUI_DATA_DIR", "")
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "bilitui"), DataDir())
}
