package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2024, 3, 9, 14, 5, 59, 0, time.UTC)

func TestManager_Name(t *testing.T) {
	m := NewManager("models", "multi_sub_crf", created, 10)

	assert.Equal(t, "multi_sub_crf_202403091405", m.Prefix())
	assert.Equal(t, "multi_sub_crf_202403091405_5ep_10bs.json", m.Name(5, false))
	assert.Equal(t, "multi_sub_crf_202403091405_5ep_10bs_interrupted.json", m.Name(5, true))
	assert.Equal(t, filepath.Join("models", m.Name(1, false)), m.Path(1, false))
}

func TestManager_SaveDeterministic(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "seq_crf", created, 10)

	first, err := m.Save(5, json.RawMessage(`{"w":[1]}`), false)
	require.NoError(t, err)
	second, err := m.Save(5, json.RawMessage(`{"w":[2]}`), false)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rec, err := Load(second)
	require.NoError(t, err)
	assert.Equal(t, m.RunID(), rec.RunID)
	assert.Equal(t, "seq_crf", rec.Kind)
	assert.Equal(t, 5, rec.Epoch)
	assert.Equal(t, 10, rec.BatchSize)
	assert.False(t, rec.Interrupted)
	assert.JSONEq(t, `{"w":[2]}`, string(rec.Parameters))
}

func TestManager_InterruptedIsSeparateFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "seq_crf", created, 10)

	normal, err := m.Save(2, json.RawMessage(`{}`), false)
	require.NoError(t, err)
	crashed, err := m.Save(2, json.RawMessage(`{}`), true)
	require.NoError(t, err)
	assert.NotEqual(t, normal, crashed)

	rec, err := Load(crashed)
	require.NoError(t, err)
	assert.True(t, rec.Interrupted)
}

func TestManager_RefusesForeignRun(t *testing.T) {
	dir := t.TempDir()
	a := NewManager(dir, "seq_crf", created, 10)
	b := NewManager(dir, "seq_crf", created, 10) // same minute, different run

	path, err := a.Save(1, json.RawMessage(`{"owner":"a"}`), false)
	require.NoError(t, err)

	_, err = b.Save(1, json.RawMessage(`{"owner":"b"}`), false)
	require.ErrorIs(t, err, ErrForeignRun)

	rec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, a.RunID(), rec.RunID)
}

func TestManager_ClaimSameMinute(t *testing.T) {
	dir := t.TempDir()
	a := NewManager(dir, "seq_crf", created, 10)
	b := NewManager(dir, "seq_crf", created, 10)

	release, err := a.Claim()
	require.NoError(t, err)
	_, err = b.Claim()
	require.ErrorIs(t, err, ErrForeignRun)
	assert.ErrorContains(t, err, a.RunID())

	_, err = a.Save(3, json.RawMessage(`{}`), false)
	require.NoError(t, err)
	require.NoError(t, release())

	// The finished run still owns the prefix through its checkpoints.
	_, err = b.Claim()
	require.ErrorIs(t, err, ErrForeignRun)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, a.Name(3, false), entries[0].Name())
}

func TestManager_ClaimOtherPrefix(t *testing.T) {
	dir := t.TempDir()
	a := NewManager(dir, "seq_crf", created, 10)
	b := NewManager(dir, "seq_crf", created.Add(time.Minute), 10)
	c := NewManager(dir, "multi_sub_crf", created, 10)

	_, err := a.Save(1, json.RawMessage(`{}`), false)
	require.NoError(t, err)
	for _, m := range []*Manager{b, c} {
		release, err := m.Claim()
		require.NoError(t, err, m.Prefix())
		require.NoError(t, release())
	}
}

func TestManager_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "seq_crf", created, 3)
	_, err := m.Save(1, json.RawMessage(`{}`), false)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, m.Name(1, false), entries[0].Name())
}
