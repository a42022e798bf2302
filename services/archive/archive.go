// Package archive streams aged-out upload_history rows to S3 as gzip'd NDJSON
// batches, keeping StateStore's retention policy (spec.md §4.7) from growing
// the history table unbounded. Not named by the spec directly — a natural
// extension of the append-only history table grounded on the teacher's
// services/execution_bridge/s3_upload_manager.go streaming-upload code.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/metacogma/upload-engine/logger"
	"github.com/metacogma/upload-engine/models/history"
)

// Archiver uploads batches of history.UploadRow to S3.
type Archiver struct {
	uploader *s3manager.Uploader
	bucket   string
}

// New builds an Archiver against bucket in region.
func New(region, bucket string) (*Archiver, error) {
	sess, err := awssession.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, err
	}
	return &Archiver{uploader: s3manager.NewUploader(sess), bucket: bucket}, nil
}

// groupByDay buckets rows by CreatedAt's calendar day so a single archive
// object never spans a date boundary, matching the teacher's per-day key
// layout. Split out from ArchiveBatch so it can be exercised without a live
// S3 session.
func groupByDay(rows []history.UploadRow) map[string][]history.UploadRow {
	return lo.GroupBy(rows, func(r history.UploadRow) string {
		return r.CreatedAt.Format("2006-01-02")
	})
}

// ArchiveBatch gzips rows as newline-delimited JSON, one object per calendar
// day, buffering each day's batch in memory before uploading it to
// upload-history/<accountID>/<date>/<unix-nanos>.ndjson.gz.
func (a *Archiver) ArchiveBatch(ctx context.Context, accountID string, rows []history.UploadRow) error {
	if len(rows) == 0 {
		return nil
	}

	byDay := groupByDay(rows)

	for day, dayRows := range byDay {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		enc := json.NewEncoder(gz)
		for _, r := range dayRows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		if err := gz.Close(); err != nil {
			return err
		}

		key := fmt.Sprintf("upload-history/%s/%s/%d.ndjson.gz", accountID, day, time.Now().UnixNano())
		_, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:          aws.String(a.bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(buf.Bytes()),
			ContentType:     aws.String("application/x-ndjson"),
			ContentEncoding: aws.String("gzip"),
		})
		if err != nil {
			logger.Error("archive: S3 upload failed", err)
			return err
		}
		logger.Info("archive: uploaded history batch", zap.String("key", key), zap.Int("rows", len(dayRows)))
	}
	return nil
}
