package pipeline

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Lllllllleong/docanalysis/internal/planner"
)

// ErrTypeValidation is the application error type that is never retried.
const ErrTypeValidation = "ValidationError"

// ActivityPolicy is the timeout and retry budget of one class of activities.
type ActivityPolicy struct {
	StartToClose       time.Duration `yaml:"startToClose"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
	MaxAttempts        int32         `yaml:"maxAttempts"`
	InitialInterval    time.Duration `yaml:"initialInterval"`
	BackoffCoefficient float64       `yaml:"backoffCoefficient"`
	MaxInterval        time.Duration `yaml:"maxInterval"`
}

// Options converts the policy into Temporal activity options.
func (p ActivityPolicy) Options() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: p.StartToClose,
		HeartbeatTimeout:    p.Heartbeat,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        p.InitialInterval,
			BackoffCoefficient:     p.BackoffCoefficient,
			MaximumInterval:        p.MaxInterval,
			MaximumAttempts:        p.MaxAttempts,
			NonRetryableErrorTypes: []string{ErrTypeValidation},
		},
	}
}

func (p ActivityPolicy) validate(name string) error {
	if p.StartToClose <= 0 {
		return fmt.Errorf("policy %s: startToClose must be positive", name)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("policy %s: maxAttempts must be at least 1", name)
	}
	if p.BackoffCoefficient < 1 {
		return fmt.Errorf("policy %s: backoffCoefficient must be at least 1", name)
	}
	if p.Heartbeat < 0 || p.Heartbeat >= p.StartToClose {
		return fmt.Errorf("policy %s: heartbeat must be shorter than startToClose", name)
	}
	return nil
}

// Policies holds every tunable the workflow reads. Workers must agree on
// these values for replay to stay deterministic.
type Policies struct {
	// Standard covers cleanup, notify, prepare and embed.
	Standard   ActivityPolicy `yaml:"standard"`
	Download   ActivityPolicy `yaml:"download"`
	Conversion ActivityPolicy `yaml:"conversion"`
	// Model covers vision batches, chunk analysis and synthesis.
	Model ActivityPolicy `yaml:"model"`

	ProgressPacing           time.Duration  `yaml:"progressPacing"`
	AnalysisStagger          time.Duration  `yaml:"analysisStagger"`
	VisionBatchSize          int            `yaml:"visionBatchSize"`
	VisionFailureTolerance   float64        `yaml:"visionFailureTolerance"`
	AnalysisFailureTolerance float64        `yaml:"analysisFailureTolerance"`
	Planner                  planner.Config `yaml:"planner"`
}

const (
	minVisionBatch = 2
	maxVisionBatch = 12
)

func DefaultPolicies() Policies {
	standard := ActivityPolicy{
		StartToClose:       5 * time.Minute,
		MaxAttempts:        3,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaxInterval:        10 * time.Second,
	}
	download := standard
	download.Heartbeat = time.Minute

	return Policies{
		Standard: standard,
		Download: download,
		Conversion: ActivityPolicy{
			StartToClose:       20 * time.Minute,
			Heartbeat:          2 * time.Minute,
			MaxAttempts:        2,
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2,
			MaxInterval:        time.Minute,
		},
		Model: ActivityPolicy{
			StartToClose:       10 * time.Minute,
			MaxAttempts:        2,
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2,
			MaxInterval:        2 * time.Minute,
		},
		ProgressPacing:           time.Second,
		AnalysisStagger:          500 * time.Millisecond,
		VisionBatchSize:          6,
		VisionFailureTolerance:   0.25,
		AnalysisFailureTolerance: 0.25,
		Planner:                  planner.DefaultConfig(),
	}
}

// BatchSize returns VisionBatchSize clamped to the supported range.
func (p Policies) BatchSize() int {
	return min(max(p.VisionBatchSize, minVisionBatch), maxVisionBatch)
}

func (p Policies) Validate() error {
	for name, pol := range map[string]ActivityPolicy{
		"standard":   p.Standard,
		"download":   p.Download,
		"conversion": p.Conversion,
		"model":      p.Model,
	} {
		if err := pol.validate(name); err != nil {
			return err
		}
	}
	if p.ProgressPacing < 0 || p.AnalysisStagger < 0 {
		return fmt.Errorf("progressPacing and analysisStagger must not be negative")
	}
	for name, tol := range map[string]float64{
		"visionFailureTolerance":   p.VisionFailureTolerance,
		"analysisFailureTolerance": p.AnalysisFailureTolerance,
	} {
		if tol < 0 || tol >= 1 {
			return fmt.Errorf("%s must be in [0, 1)", name)
		}
	}
	return p.Planner.Validate()
}
