package pluginmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchkitd/launchkitd/internal/pluginapi"
)

const calcManifestOK = `
id: calc
name: calc
transport: short_lived
command: ["sh", "-c", "echo '{\"type\":\"results\"}'"]
`

const calcManifestChanged = `
id: calc
name: calc
priority: 9
transport: short_lived
command: ["sh", "-c", "echo '{\"type\":\"results\"}'"]
`

const filesManifestOK = `
id: files
name: files
transport: short_lived
command: ["true"]
`

const notesManifestOK = `
id: notes
name: notes
transport: short_lived
command: ["true"]
`

func TestManagerStartDiscoversAndDispatches(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "calc", calcManifestOK)

	m := NewManager([]string{dir}, nil)
	defer m.Close()

	_, err := m.Start()
	require.NoError(t, err)

	insts := m.List()
	require.Len(t, insts, 1)
	assert.Equal(t, "calc", insts[0].ID)

	resp, err := m.Dispatch(context.Background(), "calc", pluginapi.Request{Step: pluginapi.StepSearch})
	require.NoError(t, err)
	assert.Equal(t, pluginapi.RespResults, resp.Type)
}

func TestManagerDispatchUnknownPluginReturnsError(t *testing.T) {
	m := NewManager([]string{t.TempDir()}, nil)
	defer m.Close()
	_, err := m.Start()
	require.NoError(t, err)

	_, err = m.Dispatch(context.Background(), "nope", pluginapi.Request{})
	require.Error(t, err)
}

func TestManagerReloadDetectsAddedRemovedChanged(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "calc", calcManifestOK)
	writeManifest(t, dir, "files", filesManifestOK)

	m := NewManager([]string{dir}, nil)
	defer m.Close()
	_, err := m.Start()
	require.NoError(t, err)

	// Remove "files", change "calc"'s priority, add "notes".
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "files")))
	writeManifest(t, dir, "calc", calcManifestChanged)
	writeManifest(t, dir, "notes", notesManifestOK)

	diff, errs := m.Reload()
	assert.Empty(t, errs)
	assert.ElementsMatch(t, []string{"notes"}, diff.Added)
	assert.ElementsMatch(t, []string{"files"}, diff.Removed)
	assert.ElementsMatch(t, []string{"calc"}, diff.Changed)
}

func TestRestartBudgetExhaustsAfterNTokens(t *testing.T) {
	b := NewRestartBudget(2, time.Hour)
	assert.True(t, b.TakeToken())
	assert.True(t, b.TakeToken())
	assert.False(t, b.TakeToken(), "budget should be exhausted after its burst size")
}
