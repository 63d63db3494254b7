package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Lllllllleong/docanalysis/internal/config"
	"github.com/Lllllllleong/docanalysis/internal/logging"
	"github.com/Lllllllleong/docanalysis/internal/pipeline"
	"github.com/Lllllllleong/docanalysis/internal/progress"
	"github.com/Lllllllleong/docanalysis/internal/services"
)

var (
	trigger *services.UploadTrigger
	once    sync.Once
	initErr error
)

func init() {
	logging.Setup()

	functions.CloudEvent("StartAnalysis", startAnalysis)
}

// main is required by the Go Functions Framework.
func main() {}

func setup() (*services.UploadTrigger, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	tc := cfg.Temporal
	c, err := pipeline.Dial(tc.HostPort, tc.Namespace, slog.Default(), nil)
	if err != nil {
		return nil, err
	}

	var publisher progress.Publisher = progress.Nop{}
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		publisher = progress.NewRedisPublisher(rc)
	}
	return services.NewUploadTrigger(pipeline.NewClient(c, tc.TaskQueue), publisher), nil
}

// startAnalysis starts one analysis run per finalized upload object.
func startAnalysis(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		trigger, initErr = setup()
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	workflowID, err := trigger.Process(ctx, gcsEvent)
	if err != nil {
		return err
	}
	if workflowID != "" {
		slog.Info("Analysis started", "workflowId", workflowID, "eventId", e.ID())
	}
	return nil
}
