// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/flyingrobots/lifestream/internal/obs"
	"github.com/flyingrobots/lifestream/internal/pipeline"
)

// ProcessLauncher starts the executor as an isolated OS process: this binary
// re-exec'd with -role executor and the job identity in the child
// environment. One process per job gives CPU-heavy stages their own fault
// boundary, the local analogue of launching a container task.
type ProcessLauncher struct {
	binary     string
	configPath string
	log        *zap.Logger
}

func NewProcessLauncher(binary, configPath string, log *zap.Logger) *ProcessLauncher {
	return &ProcessLauncher{binary: binary, configPath: configPath, log: log}
}

func (l *ProcessLauncher) Launch(ctx context.Context, spec pipeline.JobSpec) (string, error) {
	cmd := exec.Command(l.binary, "-role", "executor", "-config", l.configPath)
	cmd.Env = append(os.Environ(),
		"JOB_ID="+spec.JobID,
		"OBJECT_BUCKET="+spec.ObjectBucket,
		"OBJECT_KEY="+spec.ObjectKey,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start executor process: %w", err)
	}

	handle := fmt.Sprintf("%s/%d", hostname(), cmd.Process.Pid)
	log := l.log
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Warn("executor process exited nonzero",
				obs.String("job_id", spec.JobID),
				obs.String("task_handle", handle),
				obs.Err(err),
			)
			return
		}
		log.Info("executor process exited",
			obs.String("job_id", spec.JobID),
			obs.String("task_handle", handle),
		)
	}()
	return handle, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
