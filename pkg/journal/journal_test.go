package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(step int, nodePosition string) RepairRecord {
	return RepairRecord{Step: step, Start: "a", End: "b", NodePosition: nodePosition}
}

func TestStartResetsBucketsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	j := New()
	require.NoError(t, j.Start(100, path, false))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.NotNil(t, doc.Started)
	assert.Nil(t, doc.Finished)
	assert.Nil(t, doc.LastResumedAt)
	assert.Equal(t, 100, doc.Steps)
}

func TestRepairLifecycleSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	j := New()
	require.NoError(t, j.Start(1, path, false))

	r := rec(1, "1/1")
	j.AddPending(r)
	require.NoError(t, j.RepairStart(r))
	require.NoError(t, j.RepairSuccess(r))

	pending, current, finished, failed, successful, failedCount := j.Snapshot()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, current)
	assert.Equal(t, 1, finished)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, successful)
	assert.Equal(t, 0, failedCount)
}

func TestRepairStartRemovesSliceFromPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	j := New()
	require.NoError(t, j.Start(1, path, false))

	r := rec(1, "1/1")
	j.AddPending(r)
	require.NoError(t, j.RepairStart(r))

	pending, current, _, _, _, _ := j.Snapshot()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, current)
}

func TestRepairLifecycleFailureMovesCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	j := New()
	require.NoError(t, j.Start(1, path, false))

	r := rec(1, "1/1")
	j.AddPending(r)
	require.NoError(t, j.RepairStart(r))
	require.NoError(t, j.RepairFail(r))

	pending, current, finished, failed, successful, failedCount := j.Snapshot()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, current)
	assert.Equal(t, 0, finished)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, successful)
	assert.Equal(t, 1, failedCount)
}

func TestFinishSetsFinishedTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	j := New()
	require.NoError(t, j.Start(1, path, false))
	require.NoError(t, j.Finish())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.NotNil(t, doc.Finished)
}

func TestResumeRefusesAlreadyFinished(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	j := New()
	require.NoError(t, j.Start(1, path, false))
	require.NoError(t, j.Finish())

	_, err := New().Resume(path, 1)
	assert.ErrorIs(t, err, ErrAlreadyFinished)
}

func TestResumeReturnsPendingAndStampsLastResumedAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	j := New()
	require.NoError(t, j.Start(2, path, false))

	r1 := rec(1, "1/2")
	r2 := rec(2, "2/2")
	j.AddPending(r1)
	j.AddPending(r2)
	require.NoError(t, j.RepairStart(r1))
	require.NoError(t, j.RepairSuccess(r1))

	resumed := New()
	pending, err := resumed.Resume(path, 2)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.NotNil(t, doc.LastResumedAt)
}

func TestSliceKeyDefaultsEmptyFieldsToAllMarker(t *testing.T) {
	key := SliceKey(1, "a", "b", "1/1", "", "")
	assert.Equal(t, "1|a|b|1/1|<all>|<all>", key)
}

func TestLoadMirrorsPersistedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	j := New()
	require.NoError(t, j.Start(1, path, false))
	require.NoError(t, j.Finish())

	doc, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, doc.Finished)
}
