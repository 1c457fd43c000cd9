package model

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// PartitionLayout is the timestamp format used as the partition key for
// both bronze and silver outputs.
const PartitionLayout = "20060102T150405Z"

// Stage selects which part of the pipeline a run executes.
type Stage string

const (
	StageBronze Stage = "bronze"
	StageSilver Stage = "silver"
	StageAll    Stage = "all"
)

// ParseStage converts a string into a Stage.
func ParseStage(s string) (Stage, error) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StageBronze:
		return StageBronze, nil
	case StageSilver:
		return StageSilver, nil
	case StageAll:
		return StageAll, nil
	default:
		return "", eris.Errorf("unknown stage: %q (valid: bronze, silver, all)", s)
	}
}

// IncludesBronze reports whether the stage fetches from the upstream service.
func (s Stage) IncludesBronze() bool { return s == StageBronze || s == StageAll }

// IncludesSilver reports whether the stage runs the transform.
func (s Stage) IncludesSilver() bool { return s == StageSilver || s == StageAll }

// Env tags the deployment environment of a run.
type Env string

const (
	EnvProd Env = "prod"
	EnvDev  Env = "dev"
	EnvTest Env = "test"
)

// ParseEnv converts a string into an Env.
func ParseEnv(s string) (Env, error) {
	switch Env(strings.ToLower(strings.TrimSpace(s))) {
	case EnvProd, "":
		return EnvProd, nil
	case EnvDev:
		return EnvDev, nil
	case EnvTest:
		return EnvTest, nil
	default:
		return "", eris.Errorf("unknown env: %q (valid: prod, dev, test)", s)
	}
}

// RunContext identifies one execution for one source. It is created by the
// orchestrator and never shared between runs.
type RunContext struct {
	ID        string
	Source    string
	Stage     Stage
	Env       Env
	StartedAt time.Time
	Log       *zap.Logger

	cursor atomic.Int64
}

// NewRunContext creates a run context started at ts (truncated to seconds, UTC).
func NewRunContext(source string, stage Stage, env Env, ts time.Time) *RunContext {
	ts = ts.UTC().Truncate(time.Second)
	return &RunContext{
		Source:    source,
		Stage:     stage,
		Env:       env,
		StartedAt: ts,
		Log: zap.L().With(
			zap.String("source", source),
			zap.String("stage", string(stage)),
			zap.String("run_ts", ts.Format(PartitionLayout)),
		),
	}
}

// PartitionKey returns the run timestamp formatted for storage paths.
func (r *RunContext) PartitionKey() string {
	return r.StartedAt.Format(PartitionLayout)
}

// NextPage returns the next page index. Indices start at zero and increase
// monotonically for the lifetime of the run.
func (r *RunContext) NextPage() int {
	return int(r.cursor.Add(1) - 1)
}

// Cursor returns the next page index that NextPage would hand out.
func (r *RunContext) Cursor() int {
	return int(r.cursor.Load())
}

// ParsePartitionKey parses a partition key back into a timestamp.
func ParsePartitionKey(s string) (time.Time, error) {
	t, err := time.Parse(PartitionLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "model: parse partition key %q", s)
	}
	return t, nil
}
