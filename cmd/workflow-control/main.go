package main

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/redis/go-redis/v9"

	"github.com/Lllllllleong/docanalysis/internal/config"
	"github.com/Lllllllleong/docanalysis/internal/logging"
	"github.com/Lllllllleong/docanalysis/internal/pipeline"
	"github.com/Lllllllleong/docanalysis/internal/progress"
	"github.com/Lllllllleong/docanalysis/internal/services"
)

var (
	routes  http.Handler
	once    sync.Once
	initErr error
)

func init() {
	logging.Setup()

	functions.HTTP("WorkflowControl", handleWorkflowControl)
}

func main() {}

func setup() (http.Handler, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	tc := cfg.Temporal
	c, err := pipeline.Dial(tc.HostPort, tc.Namespace, slog.Default(), nil)
	if err != nil {
		return nil, err
	}

	var (
		reader    services.ProgressReader
		publisher progress.Publisher = progress.Nop{}
	)
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		reader = progress.NewReader(rc)
		publisher = progress.NewRedisPublisher(rc)
	}
	poll := config.GetEnvDuration("STREAM_POLL_INTERVAL", time.Second)
	return services.NewControl(pipeline.NewClient(c, tc.TaskQueue), reader, publisher, poll).Routes(), nil
}

// handleWorkflowControl serves status, cancel, progress and stream requests.
func handleWorkflowControl(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		routes, initErr = setup()
	})
	if initErr != nil {
		slog.Error("Critical: workflow control initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	routes.ServeHTTP(w, r)
}
