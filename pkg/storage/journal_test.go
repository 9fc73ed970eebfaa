package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/mod/sumdb"
	"talosgateway/pkg/utils/fileutil"
)

func float(v float64) *float64 {
	return &v
}

func entries() []*Entry {
	return []*Entry{
		{Model: "TECO_VFD", SlaveID: 2, Type: "set_frequency", Target: "RW_HZ", Value: float(48), Previous: float(45.5), Priority: 10, Outcome: OutcomeWritten},
		{Model: "TECO_VFD", SlaveID: 2, Type: "turn_on", Priority: 999, Outcome: OutcomeUnchanged},
		{Model: "IO_DO", SlaveID: 5, Type: "write_do", Target: "RW_DO", Value: float(1), Priority: 3, Outcome: OutcomeFailed, Error: "bus timeout"},
	}
}

func testJournal(t *testing.T, j Journal) {
	ctx := context.Background()
	for _, e := range entries() {
		require.NoError(t, j.Record(ctx, e))
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Time.IsZero())
	}

	got, err := j.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "write_do", got[0].Type)
	assert.Equal(t, OutcomeFailed, got[0].Outcome)
	assert.Equal(t, "bus timeout", got[0].Error)
	assert.Equal(t, "turn_on", got[1].Type)
	assert.Nil(t, got[1].Value)

	all, err := j.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 48.0, *all[2].Value)
	assert.Equal(t, 45.5, *all[2].Previous)
	assert.Equal(t, uint8(2), all[2].SlaveID)
	assert.Equal(t, 10, all[2].Priority)
}

func TestFsJournal(t *testing.T) {
	j, err := NewFsJournal(filepath.Join(t.TempDir(), "journal", "actions.jsonl"))
	require.NoError(t, err)
	testJournal(t, j)
}

func TestSqliteJournal(t *testing.T) {
	j, err := NewSqliteJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	testJournal(t, j)
}

func TestFsJournalLockedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.jsonl")
	j, err := NewFsJournal(path)
	require.NoError(t, err)
	j.retryInterval = 5 * time.Millisecond
	j.retryTimeout = 30 * time.Millisecond

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0640)
	require.NoError(t, err)
	defer f.Close()
	lock, err := fileutil.NewLock(f)
	require.NoError(t, err)

	err = j.Record(context.Background(), &Entry{Model: "TECO_VFD", SlaveID: 2, Type: "reset", Outcome: OutcomeWritten})
	assert.ErrorIs(t, err, sumdb.ErrWriteConflict)

	require.NoError(t, lock.Release())
	require.NoError(t, j.Record(context.Background(), &Entry{Model: "TECO_VFD", SlaveID: 2, Type: "reset", Outcome: OutcomeWritten}))
	got, err := j.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNewJournal(t *testing.T) {
	j, err := New(DriverNone, "")
	require.NoError(t, err)
	assert.NoError(t, j.Record(context.Background(), &Entry{}))

	_, err = New(Driver(9), "")
	assert.Error(t, err)
}
