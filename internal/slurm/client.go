package slurm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hpctools/slurmtunnel/internal/errors"
	"github.com/hpctools/slurmtunnel/internal/logging"
	"github.com/hpctools/slurmtunnel/internal/remote"
)

// Job states reported by the scheduler that matter to the tunnel lifecycle.
const (
	StateRunning = "RUNNING"
	StatePending = "PENDING"
	// StateGone is reported when the scheduler no longer lists the job.
	StateGone = ""
)

// maxStateErrors is how many consecutive transient state-query failures are
// tolerated while waiting for the job to start.
const maxStateErrors = 3

// Client submits, inspects and cancels tunnel allocations through the
// remote command channel.
type Client struct {
	runner  remote.Runner
	log     *logging.Logger
	timeout time.Duration
}

// NewClient returns a Client executing scheduler commands via runner.
// Every remote command is bounded by timeout.
func NewClient(runner remote.Runner, timeout time.Duration, log *logging.Logger) *Client {
	return &Client{
		runner:  runner,
		log:     log.WithComponent("slurm"),
		timeout: timeout,
	}
}

// Submit sends the allocation request to the scheduler and returns the job ID
// parsed from the sbatch acknowledgement ("Submitted batch job <id>").
func (c *Client) Submit(ctx context.Context, req AllocationRequest) (JobID, error) {
	command := req.Command()
	c.log.Info("submitting allocation", "command", command)

	output, status, err := c.runner.Run(ctx, command, c.timeout)
	if err != nil {
		return 0, errors.NewSubmitError("submit command failed",
			fmt.Errorf("%w: %w", errors.ErrChannelUnreachable, err)).WithRetryable(true)
	}
	if status != 0 {
		return 0, errors.NewSubmitError(
			fmt.Sprintf("sbatch exited with status %d: %s", status, strings.TrimSpace(output)),
			errors.ErrJobRejected)
	}

	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) == 0 {
		return 0, errors.NewSubmitError("sbatch produced no output", errors.ErrJobRejected)
	}
	id, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, errors.NewSubmitError(
			fmt.Sprintf("unable to parse job id from %q", strings.TrimSpace(output)),
			errors.ErrJobRejected)
	}

	c.log.Info("allocation submitted", "job_id", id)
	return JobID(id), nil
}

// Cancel asks the scheduler to release the allocation. Canceling a finished
// or already-canceled job is not an error; only an unreachable command
// channel is.
func (c *Client) Cancel(ctx context.Context, id JobID) error {
	output, status, err := c.runner.Run(ctx, fmt.Sprintf("scancel %d", id), c.timeout)
	if err != nil {
		return errors.NewSubmitError("cancel command failed",
			fmt.Errorf("%w: %w", errors.ErrChannelUnreachable, err)).
			WithJobID(int(id)).WithRetryable(true)
	}
	if status != 0 {
		// scancel complains about unknown jobs; that means the allocation is
		// already gone, which is the state we wanted.
		c.log.Debug("scancel reported non-zero status", "job_id", int(id), "status", status, "output", strings.TrimSpace(output))
		return nil
	}
	c.log.Info("allocation canceled", "job_id", int(id))
	return nil
}

// ReadOutput performs one non-blocking read of the job's captured output
// file. Returns empty content without error while the file does not exist
// yet; the job may simply not have produced output.
func (c *Client) ReadOutput(ctx context.Context, path string) (string, error) {
	output, status, err := c.runner.Run(ctx, fmt.Sprintf("cat %s", path), c.timeout)
	if err != nil {
		return "", errors.NewDiscoveryError("output read failed",
			fmt.Errorf("%w: %w", errors.ErrReadFailed, err)).WithRetryable(true)
	}
	if status != 0 {
		return "", nil
	}
	return output, nil
}

// State returns the scheduler's state for the job (RUNNING, PENDING, ...),
// or StateGone when the scheduler no longer lists it.
func (c *Client) State(ctx context.Context, id JobID) (string, error) {
	output, status, err := c.runner.Run(ctx, fmt.Sprintf("squeue -h -j %d -o %%T", id), c.timeout)
	if err != nil {
		return "", errors.NewDiscoveryError("state query failed",
			fmt.Errorf("%w: %w", errors.ErrReadFailed, err)).
			WithJobID(int(id)).WithRetryable(true)
	}
	if status != 0 {
		return StateGone, nil
	}
	return strings.TrimSpace(output), nil
}

// WaitRunning polls the job state until it reports RUNNING. It fails when
// the job disappears from the queue, when consecutive state queries keep
// failing, or when timeout elapses.
func (c *Client) WaitRunning(ctx context.Context, id JobID, interval, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var readErrors int
	for {
		state, err := c.State(ctx, id)
		switch {
		case err != nil:
			readErrors++
			if readErrors > maxStateErrors {
				return errors.NewDiscoveryError("job state unavailable", err).WithJobID(int(id))
			}
			c.log.Warn("transient state query failure", "job_id", int(id), "attempt", readErrors)
		case state == StateRunning:
			c.log.Info("allocation running", "job_id", int(id))
			return nil
		case state == StateGone:
			return errors.NewDiscoveryError("job left the queue before running", errors.ErrJobGone).WithJobID(int(id))
		default:
			readErrors = 0
			c.log.Debug("allocation not running yet", "job_id", int(id), "state", state)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.NewDiscoveryError("job never started running", errors.ErrDiscoveryTimeout).WithJobID(int(id))
		case <-ticker.C:
		}
	}
}
