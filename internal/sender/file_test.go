package sender

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/tankwatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/tankwatch/internal/model"
)

func TestFileSender_WritesBothFiles(t *testing.T) {
	dir := t.TempDir()
	analysis := filepath.Join(dir, "out", "analysis.txt")
	fullness := filepath.Join(dir, "out", "fullness.txt")

	s := NewFileSender(sl.Discard(), analysis, fullness)
	r := testReport()
	require.NoError(t, s.Send(context.Background(), r))

	got, err := os.ReadFile(analysis)
	require.NoError(t, err)
	assert.Equal(t, r.Render(), string(got))

	got, err = os.ReadFile(fullness)
	require.NoError(t, err)
	assert.Equal(t, "A 80\nB 20\n", string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temporary files must not be left behind")

	assert.NoError(t, s.Health(context.Background()))
	assert.Equal(t, "file", s.Name())
}

func TestFileSender_Overwrites(t *testing.T) {
	dir := t.TempDir()
	fullness := filepath.Join(dir, "fullness.txt")
	require.NoError(t, os.WriteFile(fullness, []byte("stale content that is longer\n"), 0o644))

	s := NewFileSender(sl.Discard(), filepath.Join(dir, "analysis.txt"), fullness)
	require.NoError(t, s.Send(context.Background(), testReport()))

	got, err := os.ReadFile(fullness)
	require.NoError(t, err)
	assert.Equal(t, "A 80\nB 20\n", string(got))
}

func TestFileSender_HealthMissingDir(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope", "analysis.txt")
	s := NewFileSender(sl.Discard(), missing, missing)
	assert.Error(t, s.Health(context.Background()))
}

func TestFileSender_IgnoresOlderReport(t *testing.T) {
	dir := t.TempDir()
	fullness := filepath.Join(dir, "fullness.txt")
	s := NewFileSender(sl.Discard(), filepath.Join(dir, "analysis.txt"), fullness)

	older := testReport()
	newer := model.NewReport(older.SiteID, older.SiteName, older.Timestamp.Add(15*time.Second),
		[]model.TankLevel{{Tag: "A", Fullness: 20}, {Tag: "B", Fullness: 10}})

	require.NoError(t, s.Send(context.Background(), newer))
	require.NoError(t, s.Send(context.Background(), older))

	got, err := os.ReadFile(fullness)
	require.NoError(t, err)
	assert.Equal(t, "A 20\nB 10\n", string(got))
}
