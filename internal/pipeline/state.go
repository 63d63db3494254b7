package pipeline

import (
	"github.com/Lllllllleong/docanalysis/internal/models"
)

// runState is the orchestrator-owned status of one run. It is only touched
// from workflow coroutines, which never run in parallel.
type runState struct {
	status models.PipelineStatus
}

func newRunState() *runState {
	return &runState{status: models.PipelineStatus{Step: models.StepInitializing}}
}

func (s *runState) snapshot() models.PipelineStatus {
	return s.status
}

// advance moves to step. Progress never goes backwards.
func (s *runState) advance(step string, progress int) {
	if s.status.Terminal() {
		return
	}
	s.status.Step = step
	s.raise(progress)
}

func (s *runState) raise(progress int) {
	if s.status.Terminal() {
		return
	}
	progress = min(progress, 100)
	if progress > s.status.Progress {
		s.status.Progress = progress
	}
}

// apply merges an external progress signal: Step is last-write-wins and
// Progress is only raised. Terminal steps are set by the orchestrator alone,
// so a signal naming one keeps only its progress.
func (s *runState) apply(u models.ProgressUpdate) {
	if s.status.Terminal() {
		return
	}
	if u.Step != "" && !models.IsTerminalStep(u.Step) {
		s.status.Step = u.Step
	}
	s.raise(u.Progress)
}

// cancel flags the run. Only the orchestrator reaches a terminal step, so a
// terminal status here means the run has really ended.
func (s *runState) cancel() {
	if s.status.Terminal() {
		return
	}
	s.status.Canceled = true
}

func (s *runState) canceled() bool {
	return s.status.Canceled
}

func (s *runState) complete(result *models.AnalysisResult) {
	s.status.Step = models.StepCompleted
	s.status.Progress = 100
	s.status.Result = result
}

func (s *runState) fail(result *models.AnalysisResult) {
	if s.status.Canceled {
		s.status.Step = models.StepCanceled
	} else {
		s.status.Step = models.StepFailed
	}
	s.status.Error = result.Error
	s.status.Result = result
}
