package tableau

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Finish codes reported by the server once a job completes.
const (
	FinishSuccess   = 0
	FinishFailed    = 1
	FinishCancelled = 2
)

// Job is an asynchronous server job (extract refresh, publish, ...).
type Job struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Mode        string `json:"mode"`
	Progress    Int    `json:"progress"`
	CreatedAt   string `json:"createdAt"`
	StartedAt   string `json:"startedAt"`
	CompletedAt string `json:"completedAt"`
	FinishCode  Int    `json:"finishCode"`
	Notes       string `json:"notes"`
}

// Completed reports whether the server has set completedAt.
func (j Job) Completed() bool { return j.CompletedAt != "" }

// Succeeded reports whether the job completed with finish code 0.
func (j Job) Succeeded() bool { return j.Completed() && j.FinishCode == FinishSuccess }

type jobEnvelope struct {
	Job Job `json:"job"`
}

// RefreshDatasource starts an extract refresh of datasource id and returns
// the queued job.
func (c *Client) RefreshDatasource(ctx context.Context, id string) (Job, error) {
	path, err := c.sitePath("datasources/" + url.PathEscape(id) + "/refresh")
	if err != nil {
		return Job{}, err
	}
	var env jobEnvelope
	if err := c.do(ctx, http.MethodPost, path, "datasource_refresh", []byte("{}"), "application/json", &env); err != nil {
		return Job{}, fmt.Errorf("refresh datasource %s: %w", id, err)
	}
	c.log.Info("Datasource refresh queued", "datasource_id", id, "job_id", env.Job.ID)
	return env.Job, nil
}

// GetJob fetches the current status of job id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	path, err := c.sitePath("jobs/" + url.PathEscape(id))
	if err != nil {
		return Job{}, err
	}
	var env jobEnvelope
	if err := c.do(ctx, http.MethodGet, path, "job", nil, "", &env); err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return env.Job, nil
}

// WaitForJob polls job id every PollInterval until completedAt is set.
//
// Edge cases:
//   - timeout <= 0 means DefaultJobTimeout.
//   - the job is returned as soon as it completes, whatever its finish code;
//     callers check Succeeded.
//
// Errors:
//   - *TimeoutError (errors.Is ErrJobTimeout) when the deadline passes first.
//   - ctx.Err() when the context ends while waiting.
//   - any GetJob error, immediately.
func (c *Client) WaitForJob(ctx context.Context, id string, timeout time.Duration) (Job, error) {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	start := c.opts.now()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return job, err
		}
		if job.Completed() {
			c.log.Info("Job completed", "job_id", id, "finish_code", int64(job.FinishCode))
			return job, nil
		}
		if c.opts.now().Sub(start) > timeout {
			return job, &TimeoutError{JobID: id, Timeout: timeout}
		}
		c.log.Debug("Job still running", "job_id", id, "progress", int64(job.Progress))
		if err := c.opts.sleep(ctx, c.opts.PollInterval); err != nil {
			return job, err
		}
	}
}
