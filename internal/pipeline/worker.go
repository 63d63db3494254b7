package pipeline

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// NewWorker polls taskQueue for analysis workflows and activities. concurrency
// bounds the activities run at once on this process.
func NewWorker(c client.Client, taskQueue string, concurrency int, wf *Workflow, acts *Activities) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	opts := worker.Options{}
	if concurrency > 0 {
		opts.MaxConcurrentActivityExecutionSize = concurrency
	}
	w := worker.New(c, taskQueue, opts)
	Register(w, wf, acts)
	return w
}
