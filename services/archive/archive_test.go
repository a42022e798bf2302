package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metacogma/upload-engine/models/history"
)

// ArchiveBatch itself streams to s3manager.Uploader, a concrete AWS SDK type
// with no interface seam to fake; groupByDay carries all the batch-shaping
// logic worth covering without a live S3 session.
func TestGroupByDaySplitsRowsAcrossDateBoundary(t *testing.T) {
	d1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	rows := []history.UploadRow{
		{TaskID: "a", CreatedAt: d1},
		{TaskID: "b", CreatedAt: d1.Add(time.Hour)},
		{TaskID: "c", CreatedAt: d2},
	}

	byDay := groupByDay(rows)
	require.Len(t, byDay, 2)
	require.Len(t, byDay["2026-01-01"], 2)
	require.Len(t, byDay["2026-01-02"], 1)
}

func TestGroupByDayEmptyInputReturnsEmptyMap(t *testing.T) {
	byDay := groupByDay(nil)
	require.Empty(t, byDay)
}
