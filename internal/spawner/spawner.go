// Package spawner implements the worker spawner. It models the "remote
// compute fleet" as a Docker container per session: a per-session,
// launch-once-then-stop task runner.
package spawner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hq-labs/relay/internal/apperr"
)

// Params describes one spawn request.
type Params struct {
	SessionID   string
	AccessToken string
	APIURL      string
	WorkerID    string
	Skill       string
	Project     string
	CPU         int64 // millicores
	MemoryMB    int64
	Parameters  map[string]interface{}
}

// Description is the point-in-time status of a spawned task.
type Description struct {
	TrackingID string
	Running    bool
	ExitCode   *int
}

// Spawner launches a compute task with per-session environment variables
// and exposes stop/describe lifecycle hooks.
type Spawner interface {
	Spawn(ctx context.Context, p Params) (trackingID string, err error)
	Stop(ctx context.Context, trackingID string) error
	Describe(ctx context.Context, trackingID string) (Description, error)
}

// validCPUMemory enumerates the CPU(millicores)/memory(MB) combinations
// the compute backend supports.
var validCPUMemory = map[int64][]int64{
	250:  {512, 1024, 2048},
	500:  {1024, 2048, 4096},
	1000: {2048, 4096, 8192},
	2000: {4096, 8192, 16384},
}

// ValidateResources rejects a CPU/memory pair that is not one of the
// backend's enumerated valid combinations.
func ValidateResources(cpu, memoryMB int64) error {
	memories, ok := validCPUMemory[cpu]
	if !ok {
		return apperr.Validation(fmt.Sprintf("unsupported cpu value %d", cpu))
	}
	for _, m := range memories {
		if m == memoryMB {
			return nil
		}
	}
	return apperr.Validation(fmt.Sprintf("unsupported cpu/memory combination %d/%dMB", cpu, memoryMB))
}

// BuildEnv composes the environment variables passed to a spawned worker.
func BuildEnv(p Params) (map[string]string, error) {
	env := map[string]string{
		"SESSION_ID":   p.SessionID,
		"API_URL":      p.APIURL,
		"ACCESS_TOKEN": p.AccessToken,
		"WORKER_ID":    p.WorkerID,
		"SKILL":        p.Skill,
	}
	if len(p.Parameters) > 0 {
		b, err := json.Marshal(p.Parameters)
		if err != nil {
			return nil, apperr.Internal("marshal spawn parameters", err)
		}
		env["PARAMETERS"] = string(b)
	}
	return env, nil
}

// Tags returns the standard task tags applied to every spawned worker:
// {project, tracking-id, worker-id, skill}.
func Tags(project, trackingID, workerID, skill string) map[string]string {
	return map[string]string{
		"project":     project,
		"tracking-id": trackingID,
		"worker-id":   workerID,
		"skill":       skill,
	}
}
