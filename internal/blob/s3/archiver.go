package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// Archiver implements domain.Archiver: settled consensus outcomes and raw
// submissions older than the cutoff are serialized to JSONL and uploaded to
// object storage.
//
// Deleting archived rows from the primary store is a separate, explicit step
// taken after the archive upload succeeded.
type Archiver struct {
	writer    domain.BlobWriter
	results   domain.ConsensusStore
	responses domain.ResponseStore
	logger    *slog.Logger
}

// NewArchiver creates an Archiver over the given stores.
func NewArchiver(writer domain.BlobWriter, results domain.ConsensusStore, responses domain.ResponseStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		results:   results,
		responses: responses,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveResults uploads consensus outcomes decided before the cutoff to
// archive/consensus_results/YYYY-MM.jsonl and returns the archived count.
func (a *Archiver) ArchiveResults(ctx context.Context, before time.Time) (int64, error) {
	results, err := a.results.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive results query: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(results)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive results marshal: %w", err)
	}

	path := archivePath("consensus_results", before)
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive results upload: %w", err)
	}

	a.logger.Info("consensus results archived",
		slog.String("path", path),
		slog.Int("count", len(results)),
	)
	return int64(len(results)), nil
}

// ArchiveResponses uploads submissions received before the cutoff to
// archive/task_responses/YYYY-MM.jsonl and returns the archived count.
func (a *Archiver) ArchiveResponses(ctx context.Context, before time.Time) (int64, error) {
	responses, err := a.responses.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive responses query: %w", err)
	}
	if len(responses) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(responses)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive responses marshal: %w", err)
	}

	path := archivePath("task_responses", before)
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive responses upload: %w", err)
	}

	a.logger.Info("task responses archived",
		slog.String("path", path),
		slog.Int("count", len(responses)),
	)
	return int64(len(responses)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff:
//
//	archive/consensus_results/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serializes a slice as one JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
