// Package slurm implements the allocation client: submitting the batch job
// that hosts the tunnel endpoint, querying its state, reading its captured
// output and canceling it, all through the remote command channel.
package slurm

import (
	"fmt"
	"path/filepath"
	"strings"
)

// JobID identifies a submitted allocation on the scheduler.
type JobID int

// AllocationRequest describes the resources and artifacts of one tunnel job.
// Immutable once submitted.
type AllocationRequest struct {
	// CPUs is the number of CPUs to request.
	CPUs int
	// Memory is the memory to request, in sbatch format (e.g. "8G").
	Memory string
	// TimeLimit is the allocation time limit, in sbatch format (e.g. "1:00:00").
	TimeLimit string
	// QOS is the quality-of-service class.
	QOS string
	// Partition is the cluster partition; empty uses the cluster default.
	Partition string
	// ScriptPath is the batch script, relative to the remote home directory.
	ScriptPath string
	// ImagePath is the container image exported to the job as SIF_IMAGE.
	ImagePath string
	// BindPath is an optional bind mount exported as SIF_BIND_PATH.
	BindPath string
	// MaxRelaunch bounds endpoint relaunches after disconnects, exported as
	// TUNNEL_MAX_RELAUNCH.
	MaxRelaunch int
}

// OutputPath returns where the scheduler captures the job's output: the
// script path with its extension replaced by ".out".
func (r AllocationRequest) OutputPath() string {
	ext := filepath.Ext(r.ScriptPath)
	return strings.TrimSuffix(r.ScriptPath, ext) + ".out"
}

// Command renders the sbatch invocation for this request.
func (r AllocationRequest) Command() string {
	args := []string{
		"sbatch",
		fmt.Sprintf("--output=%s", r.OutputPath()),
		fmt.Sprintf("--time=%s", r.TimeLimit),
		fmt.Sprintf("--cpus-per-task=%d", r.CPUs),
		fmt.Sprintf("--mem=%s", r.Memory),
	}
	if r.QOS != "" {
		args = append(args, fmt.Sprintf("--qos=%s", r.QOS))
	}
	if r.Partition != "" {
		args = append(args, fmt.Sprintf("--partition=%s", r.Partition))
	}

	exports := []string{fmt.Sprintf("SIF_IMAGE=%s", r.ImagePath)}
	if r.BindPath != "" {
		exports = append(exports, fmt.Sprintf("SIF_BIND_PATH=%s", r.BindPath))
	}
	exports = append(exports, fmt.Sprintf("TUNNEL_MAX_RELAUNCH=%d", r.MaxRelaunch))
	args = append(args, fmt.Sprintf("--export=%s", strings.Join(exports, ",")))

	args = append(args, r.ScriptPath)
	return strings.Join(args, " ")
}
