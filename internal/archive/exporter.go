// Package archive implements event-record retention. Records older than the
// configured cutoff are exported to zstd-compressed JSON lines files and then
// pruned from storage. Message logs are never touched; only the raw event
// audit trail is rotated out.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"mailtrail/internal/config"
	"mailtrail/internal/types"
)

// EventSource is the storage surface the exporter drains.
// Implemented by db.EventRecordRepository.
type EventSource interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.EventRecord, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// Result summarizes one archive run.
type Result struct {
	Exported int       `json:"exported"`
	Deleted  int64     `json:"deleted"`
	File     string    `json:"file,omitempty"`
	Cutoff   time.Time `json:"cutoff"`
}

// archivedEvent is the JSONL line format. It widens EventRecord with the raw
// provider payload, which the API representation deliberately omits.
type archivedEvent struct {
	*types.EventRecord
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
}

// Exporter drains old event records to compressed files.
type Exporter struct {
	events EventSource
	cfg    config.ArchiveConfig
	clock  types.Clock
	logger *slog.Logger
}

// NewExporter creates an Exporter.
func NewExporter(events EventSource, cfg config.ArchiveConfig, clock types.Clock, logger *slog.Logger) *Exporter {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		events: events,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// Run exports every event record older than the retention cutoff and prunes
// the exported rows, batch by batch. Each batch is flushed to disk before it
// is deleted, so a failed run leaves no record exported-and-lost; at worst a
// rerun re-exports rows the previous run already wrote.
func (e *Exporter) Run(ctx context.Context) (*Result, error) {
	now := e.clock.Now()
	result := &Result{Cutoff: now.Add(-e.cfg.Retention)}

	if err := os.MkdirAll(e.cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("archive: failed to create directory %s: %w", e.cfg.Directory, err)
	}

	path := filepath.Join(e.cfg.Directory,
		fmt.Sprintf("events-%s.jsonl.zst", now.UTC().Format("20060102T150405Z")))

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to create %s: %w", path, err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to create zstd writer: %w", err)
	}

	for {
		batch, err := e.events.ListBefore(ctx, result.Cutoff, e.cfg.BatchSize)
		if err != nil {
			enc.Close()
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		ids := make([]string, 0, len(batch))
		for _, rec := range batch {
			line, err := json.Marshal(archivedEvent{
				EventRecord: rec,
				RawPayload:  json.RawMessage(rec.RawPayload),
			})
			if err != nil {
				enc.Close()
				return nil, fmt.Errorf("archive: failed to marshal event %s: %w", rec.ID, err)
			}
			if _, err := enc.Write(append(line, '\n')); err != nil {
				enc.Close()
				return nil, fmt.Errorf("archive: failed to write event %s: %w", rec.ID, err)
			}
			ids = append(ids, rec.ID)
		}
		result.Exported += len(batch)

		// The encoder buffers compressed data in memory; the batch must be
		// on disk before its rows are deleted or a crash between the two
		// loses the events.
		if err := enc.Flush(); err != nil {
			enc.Close()
			return nil, fmt.Errorf("archive: failed to flush %s: %w", path, err)
		}
		if err := f.Sync(); err != nil {
			enc.Close()
			return nil, fmt.Errorf("archive: failed to sync %s: %w", path, err)
		}

		deleted, err := e.events.DeleteByIDs(ctx, ids)
		if err != nil {
			enc.Close()
			return nil, err
		}
		result.Deleted += deleted
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("archive: failed to finalize %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("archive: failed to close %s: %w", path, err)
	}

	if result.Exported == 0 {
		// Nothing to archive; drop the empty file.
		if err := os.Remove(path); err != nil {
			e.logger.WarnContext(ctx, "failed to remove empty archive file",
				slog.String("path", path), slog.Any("error", err))
		}
	} else {
		result.File = path
	}

	e.logger.InfoContext(ctx, "archive run completed",
		slog.Int("exported", result.Exported),
		slog.Int64("deleted", result.Deleted),
		slog.Time("cutoff", result.Cutoff),
		slog.String("file", result.File))

	return result, nil
}
