package analytics

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/google/uuid"
)

type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	RunIDEnvKey = "BYTEVAULT_RUN_ID"
	RunID       = "run_id"
)

// NewRunTracker returns a tracker whose events carry the id of the current upload run.
// The id is read from the environment so a wrapper can correlate runs; a new one is generated when unset.
func NewRunTracker(repository env.Repository, trackerFactory TrackerFactory) analytics.Tracker {
	runID := repository.Get(RunIDEnvKey)
	if runID == "" {
		runID = uuid.NewString()
	}
	return trackerFactory(analytics.Properties{RunID: runID})
}
