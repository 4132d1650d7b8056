package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPatchCreatesTree(t *testing.T) {
	store := NewStore(nil)
	err := store.ApplyPatch("state", []byte(`{"status":"idle","upTime":12}`))
	require.NoError(t, err)

	value, revision, err := store.Get("state.status")
	require.NoError(t, err)
	assert.Equal(t, "idle", value)
	assert.EqualValues(t, 1, revision)
}

func TestApplyPatchMergesAndDeletes(t *testing.T) {
	store := NewStore(nil)
	require.NoError(t, store.ApplyPatch("heat", []byte(`{"current":20.5,"active":0,"standby":0}`)))
	require.NoError(t, store.ApplyPatch("heat", []byte(`{"current":21.0,"standby":null}`)))

	value, _, err := store.Get("heat")
	require.NoError(t, err)
	node := value.(map[string]any)
	assert.EqualValues(t, 21.0, node["current"])
	// Untouched keys survive a merge
	assert.Contains(t, node, "active")
	// null removes the key
	assert.NotContains(t, node, "standby")
}

func TestApplyPatchArrayIndex(t *testing.T) {
	store := NewStore(nil)
	require.NoError(t, store.ApplyPatch("tools", []byte(`[{"number":0,"active":200},{"number":1,"active":0}]`)))
	require.NoError(t, store.ApplyPatch("tools.1", []byte(`{"active":210}`)))

	value, _, err := store.Get("tools.1.active")
	require.NoError(t, err)
	assert.EqualValues(t, 210, value)
	// Merging kept the sibling key
	value, _, err = store.Get("tools.1.number")
	require.NoError(t, err)
	assert.EqualValues(t, 1, value)
}

func TestApplyPatchIdempotent(t *testing.T) {
	store := NewStore(nil)
	patch := []byte(`{"axes":{"x":{"homed":true}},"speed":null}`)
	require.NoError(t, store.ApplyPatch("move", patch))
	first, _, err := store.Get("move")
	require.NoError(t, err)

	require.NoError(t, store.ApplyPatch("move", patch))
	second, _, err := store.Get("move")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRevisionsMonotone(t *testing.T) {
	store := NewStore(nil)
	last := store.Revision()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.ApplyPatch("state", []byte(`{"n":1}`)))
		revision := store.Revision()
		assert.Greater(t, revision, last)
		last = revision
	}
}

func TestBadPatchRejected(t *testing.T) {
	store := NewStore(nil)
	assert.Error(t, store.ApplyPatch("state", []byte(`{broken`)))
	assert.Error(t, store.ApplyPatch("", []byte(`[1,2]`)))
	require.NoError(t, store.ApplyPatch("tools", []byte(`[1]`)))
	assert.Error(t, store.ApplyPatch("tools.5", []byte(`{}`)))
}

func TestSubscribeFullThenDelta(t *testing.T) {
	store := NewStore(nil)
	require.NoError(t, store.ApplyPatch("state", []byte(`{"status":"idle"}`)))

	sub := store.Subscribe("")
	first := <-sub.Updates()
	assert.True(t, first.Full)
	require.Contains(t, first.Document, "state")

	require.NoError(t, store.ApplyPatch("state", []byte(`{"status":"processing"}`)))
	second := <-sub.Updates()
	assert.False(t, second.Full)
	assert.Equal(t, "state", second.Path)
	assert.Greater(t, second.Revision, first.Revision)

	store.Unsubscribe(sub)
	_, open := <-sub.Updates()
	assert.False(t, open)
}

func TestSubscribeFilter(t *testing.T) {
	store := NewStore(nil)
	sub := store.Subscribe("job")
	<-sub.Updates()

	require.NoError(t, store.ApplyPatch("heat", []byte(`{"current":25}`)))
	require.NoError(t, store.ApplyPatch("job.file", []byte(`{"size":100}`)))

	update := <-sub.Updates()
	assert.Equal(t, "job.file", update.Path)
}

func TestResetMarksSubscribersStale(t *testing.T) {
	store := NewStore(nil)
	sub := store.Subscribe("")
	<-sub.Updates()

	require.NoError(t, store.ApplyPatch("state", []byte(`{"status":"idle"}`)))
	<-sub.Updates()

	store.Reset()
	update := <-sub.Updates()
	assert.True(t, update.Full)
	assert.Empty(t, update.Document)

	value, _, err := store.Get("")
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestViewSharedAccess(t *testing.T) {
	store := NewStore(nil)
	require.NoError(t, store.ApplyPatch("state", []byte(`{"status":"idle"}`)))
	revision := store.View(func(root map[string]any) {
		state := root["state"].(map[string]any)
		assert.Equal(t, "idle", state["status"])
	})
	assert.EqualValues(t, 1, revision)
}
