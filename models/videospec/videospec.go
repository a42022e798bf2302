// Package videospec defines the video publication payload a Task carries.
package videospec

import (
	"time"

	apxerrors "github.com/metacogma/upload-engine/errors"
)

// Privacy is the publish visibility of a video.
type Privacy string

const (
	PrivacyPrivate  Privacy = "PRIVATE"
	PrivacyUnlisted Privacy = "UNLISTED"
	PrivacyPublic   Privacy = "PUBLIC"
)

// VideoSpec is the immutable description of what to upload (spec.md §3,
// Task.videoSpec).
type VideoSpec struct {
	Path        string
	Title       string
	Description string
	Tags        []string
	Privacy     Privacy

	ThumbnailPath    string
	PlaylistID       string
	ScheduledPublish *time.Time
}

// Validate checks the fields the engine cannot proceed without; it does not
// touch the filesystem (that's UploadDriver's concern, which is external).
func (v VideoSpec) Validate() error {
	ve := apxerrors.ValidationErrs()

	if v.Path == "" {
		ve.Add("path", "cannot be empty")
	}
	if v.Title == "" {
		ve.Add("title", "cannot be empty")
	}
	switch v.Privacy {
	case PrivacyPrivate, PrivacyUnlisted, PrivacyPublic:
	default:
		ve.Add("privacy", "must be one of PRIVATE, UNLISTED, PUBLIC")
	}

	return ve.Err()
}
