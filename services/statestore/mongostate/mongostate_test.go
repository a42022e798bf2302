package mongostate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/metacogma/upload-engine/models/task"
	"github.com/metacogma/upload-engine/models/videospec"
)

// TestTaskDocRoundTripsThroughBSON guards against the video spec and
// bookkeeping fields silently failing to persist: it drives toTaskDoc/
// fromTaskDoc through an actual bson.Marshal/Unmarshal, not just a Go struct
// copy, since a missing or mistagged field survives the latter but not the
// former.
func TestTaskDocRoundTripsThroughBSON(t *testing.T) {
	scheduled := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)

	in := &task.Task{
		ID:                 "t1",
		AccountID:          "acct-1",
		PreferredAccountID: "acct-1",
		VideoSpec: videospec.VideoSpec{
			Path:        "/tmp/v.mp4",
			Title:       "my video",
			Description: "a description",
			Tags:        []string{"a", "b"},
			Privacy:     videospec.PrivacyUnlisted,
		},
		Priority:     7,
		Status:       task.StatusActive,
		Attempt:      2,
		MaxAttempts:  5,
		ScheduledFor: &scheduled,
		Result:       "",
		Error:        "transient",
		Timestamps: task.Timestamps{
			CreatedAt: started,
			StartedAt: &started,
		},
		Progress: 0.5,
		Metadata: map[string]interface{}{"k": "v"},
	}

	raw, err := bson.Marshal(toTaskDoc(in))
	require.NoError(t, err)

	var d taskDoc
	require.NoError(t, bson.Unmarshal(raw, &d))
	out := fromTaskDoc(d)

	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.AccountID, out.AccountID)
	require.Equal(t, in.PreferredAccountID, out.PreferredAccountID)
	require.Equal(t, in.VideoSpec, out.VideoSpec)
	require.Equal(t, in.Priority, out.Priority)
	require.Equal(t, in.Status, out.Status)
	require.Equal(t, in.Attempt, out.Attempt)
	require.Equal(t, in.MaxAttempts, out.MaxAttempts)
	require.Equal(t, in.ScheduledFor.Unix(), out.ScheduledFor.Unix())
	require.Equal(t, in.Error, out.Error)
	require.Equal(t, in.Timestamps.CreatedAt.Unix(), out.Timestamps.CreatedAt.Unix())
	require.Equal(t, in.Timestamps.StartedAt.Unix(), out.Timestamps.StartedAt.Unix())
	require.Equal(t, in.Progress, out.Progress)
	require.Equal(t, in.Metadata, out.Metadata)
}
