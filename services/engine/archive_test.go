package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metacogma/upload-engine/models/account"
	"github.com/metacogma/upload-engine/models/history"
)

// fakeArchiver records every batch ArchiveBatch is handed, standing in for
// archive.Archiver's S3 round trip.
type fakeArchiver struct {
	batches map[string][]history.UploadRow
}

func (f *fakeArchiver) ArchiveBatch(ctx context.Context, accountID string, rows []history.UploadRow) error {
	if f.batches == nil {
		f.batches = make(map[string][]history.UploadRow)
	}
	f.batches[accountID] = append(f.batches[accountID], rows...)
	return nil
}

func TestArchiveAgedStreamsAndPrunesOnlyRowsPastRetention(t *testing.T) {
	e := newTestEngine(t)
	e.cfg.ArchiveRetention = time.Hour
	fa := &fakeArchiver{}
	e.archiver = fa

	ctx := context.Background()
	a := account.New("acct-1", "a@example.com", "profile-1", 5)
	require.NoError(t, e.store.PutAccount(ctx, a))

	old := history.UploadRow{AccountID: "acct-1", CreatedAt: time.Now().Add(-2 * time.Hour)}
	recent := history.UploadRow{AccountID: "acct-1", CreatedAt: time.Now()}
	require.NoError(t, e.store.AppendHistory(ctx, old))
	require.NoError(t, e.store.AppendHistory(ctx, recent))

	e.archiveAged(ctx)

	require.Len(t, fa.batches["acct-1"], 1)
	require.True(t, fa.batches["acct-1"][0].CreatedAt.Equal(old.CreatedAt))

	remaining, err := e.store.ListHistory(ctx, "acct-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.True(t, remaining[0].CreatedAt.Equal(recent.CreatedAt))
}

func TestArchiveAgedSkipsAccountsWithNothingAged(t *testing.T) {
	e := newTestEngine(t)
	e.cfg.ArchiveRetention = time.Hour
	fa := &fakeArchiver{}
	e.archiver = fa

	ctx := context.Background()
	a := account.New("acct-1", "a@example.com", "profile-1", 5)
	require.NoError(t, e.store.PutAccount(ctx, a))
	require.NoError(t, e.store.AppendHistory(ctx, history.UploadRow{AccountID: "acct-1", CreatedAt: time.Now()}))

	e.archiveAged(ctx)

	require.Empty(t, fa.batches)
}
