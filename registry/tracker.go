package registry

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bytevault-io/go-uploader/task"
)

type logTracker struct {
	logger log.Logger
	base   []analytics.Properties
}

// NewLogTracker returns an analytics.Tracker that writes events to the debug log.
// The base properties are added to every event.
func NewLogTracker(logger log.Logger, base ...analytics.Properties) analytics.Tracker {
	return logTracker{logger: logger, base: base}
}

func (t logTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	merged := analytics.Properties{}
	for _, p := range append(append([]analytics.Properties{}, t.base...), properties...) {
		for k, v := range p {
			merged[k] = v
		}
	}
	t.logger.Debugf("Event %s: %v", eventName, merged)
}

func (t logTracker) Wait() {}

func (r *Registry) trackFinished(snapshot task.Snapshot, stats task.UploadStats, took time.Duration) {
	properties := analytics.Properties{
		"task_id":         snapshot.ID,
		"file_size_bytes": snapshot.FileSize,
		"chunk_size":      snapshot.ChunkSize,
		"total_chunks":    stats.TotalChunks,
		"failed_chunks":   stats.FailedChunks,
		"retries":         stats.TotalRetries,
		"upload_time_s":   took.Truncate(time.Second).Seconds(),
	}

	switch snapshot.State {
	case task.Completed:
		properties["unconfirmed_merge"] = snapshot.Warning != nil
		r.tracker.Enqueue("upload_task_completed", properties)
	case task.Failed:
		if snapshot.LastError != nil {
			properties["error"] = snapshot.LastError.Error()
		}
		r.tracker.Enqueue("upload_task_failed", properties)
	}
}
