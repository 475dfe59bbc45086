package connect

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Task describes a long-running server task, such as a content build.
type Task struct {
	ID         string      `json:"id"`
	Status     []string    `json:"status"`
	LastStatus int         `json:"last_status"`
	Finished   bool        `json:"finished"`
	Code       int         `json:"code"`
	Error      string      `json:"error"`
	Result     *TaskResult `json:"result"`
}

// TaskResult carries extra detail some tasks attach on completion.
type TaskResult struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// WaitOptions controls WaitForTask polling behavior.
type WaitOptions struct {
	// Timeout bounds the whole wait; 0 means wait forever.
	Timeout time.Duration
	// PollWait is the delay between status polls. Defaults to 500ms.
	PollWait time.Duration
	// Abort is checked between polls; returning true cancels the wait.
	Abort func() bool
	// IgnoreFailure logs a non-zero task exit code through the log callback
	// instead of returning it as an error.
	IgnoreFailure bool
}

// TaskGet fetches the current status of a task. firstStatus, when >= 0,
// asks the server to only return status lines newer than that marker.
func (c *Client) TaskGet(ctx context.Context, taskID string, firstStatus int) (*Task, error) {
	var query url.Values
	if firstStatus >= 0 {
		query = url.Values{}
		query.Set("first_status", strconv.Itoa(firstStatus))
	}
	var task Task
	if err := c.get(ctx, "tasks/"+taskID, query, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// WaitForTask polls a task until it finishes, spooling any new log output
// through logFn as it appears. It returns the final task status. A non-zero
// task exit code is an error unless opts.IgnoreFailure is set.
func (c *Client) WaitForTask(ctx context.Context, taskID string, logFn func(string), opts WaitOptions) (*Task, error) {
	if logFn == nil {
		logFn = func(string) {}
	}
	pollWait := opts.PollWait
	if pollWait <= 0 {
		pollWait = 500 * time.Millisecond
	}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	lastStatus := -1
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("task %s timed out after %v", taskID, opts.Timeout)
		}
		if opts.Abort != nil && opts.Abort() {
			return nil, fmt.Errorf("task %s aborted", taskID)
		}

		task, err := c.TaskGet(ctx, taskID, lastStatus)
		if err != nil {
			return nil, err
		}

		lastStatus = spoolTaskLog(task, lastStatus, logFn)

		if task.Finished {
			if task.Result != nil && (task.Result.Data != "" || task.Result.Type != "") {
				logFn(fmt.Sprintf("%s (%s)", task.Result.Data, task.Result.Type))
			}
			if task.Error != "" {
				logFn("Error from the publishing server: " + task.Error)
			}
			if task.Code != 0 {
				exitStatus := fmt.Sprintf("task exited with status %d", task.Code)
				if !opts.IgnoreFailure {
					return task, fmt.Errorf("%s", exitStatus)
				}
				logFn("Task failed. " + exitStatus)
			}
			return task, nil
		}

		select {
		case <-time.After(pollWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// spoolTaskLog pipes any new output through logFn and returns the updated
// last-status marker to pass into the next poll.
func spoolTaskLog(task *Task, lastStatus int, logFn func(string)) int {
	if task.LastStatus != lastStatus {
		for _, line := range task.Status {
			logFn(line)
		}
		return task.LastStatus
	}
	return lastStatus
}
