package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchkitd/launchkitd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFullReplaceThenIter(t *testing.T) {
	s := openTestStore(t)

	items := []model.IndexedItem{
		{ID: "a", Name: "Alpha"},
		{ID: "b", Name: "Beta"},
	}
	require.NoError(t, s.FullReplace("calc", items))

	got, err := s.Iter("calc")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFullReplaceDiscardsPriorItems(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.FullReplace("calc", []model.IndexedItem{{ID: "a", Name: "Alpha"}}))
	require.NoError(t, s.FullReplace("calc", []model.IndexedItem{{ID: "b", Name: "Beta"}}))

	got, err := s.Iter("calc")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestIncrementalMergeAndRemove(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.FullReplace("calc", []model.IndexedItem{
		{ID: "a", Name: "Alpha"},
		{ID: "b", Name: "Beta"},
	}))

	require.NoError(t, s.Incremental("calc",
		[]model.IndexedItem{{ID: "c", Name: "Gamma"}},
		[]string{"a"},
	))

	got, err := s.Iter("calc")
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, it := range got {
		ids = append(ids, it.ID)
	}
	assert.ElementsMatch(t, []string{"b", "c"}, ids)
}

func TestIncrementalRemoveMissingIDIsIgnored(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.FullReplace("calc", []model.IndexedItem{{ID: "a", Name: "Alpha"}}))

	err := s.Incremental("calc", nil, []string{"does-not-exist"})
	assert.NoError(t, err)
}

func TestIterAllSpansPlugins(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.FullReplace("calc", []model.IndexedItem{{ID: "a", Name: "Alpha"}}))
	require.NoError(t, s.FullReplace("files", []model.IndexedItem{{ID: "x", Name: "X"}}))

	got, err := s.IterAll()
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDropRemovesOnlyThatPlugin(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.FullReplace("calc", []model.IndexedItem{{ID: "a", Name: "Alpha"}}))
	require.NoError(t, s.FullReplace("files", []model.IndexedItem{{ID: "x", Name: "X"}}))

	require.NoError(t, s.Drop("calc"))

	calcItems, err := s.Iter("calc")
	require.NoError(t, err)
	assert.Empty(t, calcItems)

	filesItems, err := s.Iter("files")
	require.NoError(t, err)
	assert.Len(t, filesItems, 1)
}
