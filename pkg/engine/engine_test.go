package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsSQLitePath(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	// A key and nothing else must be enough to construct a working engine.
	eng, err := New(&Config{OpenAIAPIKey: "sk-test"}, nil)
	require.NoError(t, err)
	defer eng.Close()

	_, err = os.Stat(filepath.Join(dir, "engram.db"))
	assert.NoError(t, err)
}

func TestNewExplicitSQLitePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.db")

	eng, err := New(&Config{OpenAIAPIKey: "sk-test", SQLitePath: path}, nil)
	require.NoError(t, err)
	defer eng.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	_, err = New(&Config{}, nil)
	assert.Error(t, err)
}
