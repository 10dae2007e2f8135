package lidar

import (
	"context"
	"log"
	"time"
)

// Polling defaults: 300 attempts at 2 seconds gives jobs 10 minutes to
// reach a terminal state before the client gives up watching.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollAttempts = 300
)

// ProgressFunc receives every polled status, including unchanged ones.
// Consumers may deduplicate.
type ProgressFunc func(job *Job)

// PollUntilTerminal polls a job on a fixed interval until it completes,
// fails, or the attempt cap is reached.
//
// A completed job is returned as-is. A failed job becomes a
// *ProcessingError carrying the backend's error message. Exceeding
// maxAttempts returns ErrPollTimeout. Transport errors on individual
// polls are logged and absorbed; the next scheduled poll retries.
//
// Cancellation is cooperative: there is no server-side cancel call, so
// cancelling ctx only stops the watching, not the backend job.
func (c *Client) PollUntilTerminal(ctx context.Context, jobID string, onProgress ProgressFunc, interval time.Duration, maxAttempts int) (*Job, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPollAttempts
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval):
			}
		}

		job, err := c.GetJobStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[Lidar] Poll for job %s failed: %v", jobID, err)
			continue
		}

		if onProgress != nil {
			onProgress(job)
		}

		switch job.Status {
		case JobCompleted:
			return job, nil
		case JobFailed:
			return nil, &ProcessingError{JobID: jobID, Message: job.ErrorMessage}
		}
	}

	return nil, ErrPollTimeout
}
