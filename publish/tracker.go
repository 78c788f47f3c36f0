package publish

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type stepTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

// newStepTracker returns a disabled tracker when stepID is empty, so library
// callers don't emit step analytics.
func newStepTracker(stepID string, envRepo env.Repository, logger log.Logger) stepTracker {
	if stepID == "" {
		return stepTracker{logger: logger}
	}
	p := analytics.Properties{
		"step_id":     stepID,
		"build_slug":  envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":    envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":    envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
		"is_pr_build": envRepo.Get("IS_PR") == "true",
	}
	return stepTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		logger:  logger,
	}
}

func (t *stepTracker) logArchiveCompressed(compressionTime time.Duration, pathCount int) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"compression_time_s": compressionTime.Truncate(time.Second).Seconds(),
		"path_count":         pathCount,
	}
	t.tracker.Enqueue("step_publish_asset_pack_archive_compressed", properties)
}

func (t *stepTracker) logArchiveUploaded(uploadTime time.Duration, archiveSize int64, operationCount int) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": archiveSize,
		"operation_count":   operationCount,
	}
	t.tracker.Enqueue("step_publish_asset_pack_archive_uploaded", properties)
}

func (t *stepTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
