package task

// UploadStats summarizes the chunk outcomes of a task.
type UploadStats struct {
	TotalChunks      int
	SuccessfulChunks int
	FailedChunks     int
	PendingChunks    int
	// TotalRetries counts every failed chunk attempt over the task's life.
	TotalRetries int
	// SuccessRate is the percentage of chunks acknowledged by the store.
	SuccessRate float64
}

// Stats ...
func (t *Task) Stats() UploadStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := UploadStats{
		SuccessfulChunks: len(t.completed),
		FailedChunks:     len(t.failed),
		TotalRetries:     t.totalRetries,
	}
	if t.plan == nil {
		return stats
	}

	stats.TotalChunks = t.plan.TotalChunks
	stats.PendingChunks = stats.TotalChunks - stats.SuccessfulChunks - stats.FailedChunks
	if stats.TotalChunks > 0 {
		stats.SuccessRate = float64(stats.SuccessfulChunks) / float64(stats.TotalChunks) * 100
	}
	return stats
}
