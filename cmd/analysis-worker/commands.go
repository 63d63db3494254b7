package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/Lllllllleong/docanalysis/internal/config"
	"github.com/Lllllllleong/docanalysis/internal/gcp"
	"github.com/Lllllllleong/docanalysis/internal/lease"
	"github.com/Lllllllleong/docanalysis/internal/metrics"
	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/openai"
	"github.com/Lllllllleong/docanalysis/internal/pipeline"
	"github.com/Lllllllleong/docanalysis/internal/progress"
	"github.com/Lllllllleong/docanalysis/internal/raster"
	"github.com/Lllllllleong/docanalysis/internal/services"
	"github.com/Lllllllleong/docanalysis/internal/sourcecache"
	"github.com/Lllllllleong/docanalysis/internal/textsplit"
)

// app holds the clients shared by the commands. close releases them in
// reverse order of creation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	redis    redis.UniversalClient
	closers  []func() error
}

func newApp(envFile string, validate bool) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	rt := &app{cfg: cfg, logger: slog.Default(), recorder: metrics.NewRecorder()}
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		rt.redis = rc
		rt.onClose(rc.Close)
	}
	return rt, nil
}

func (rt *app) onClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

func (rt *app) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("Failed to close client", "error", err)
		}
	}
}

func (rt *app) client() (*pipeline.Client, error) {
	tc := rt.cfg.Temporal
	c, err := pipeline.Dial(tc.HostPort, tc.Namespace, rt.logger, rt.recorder)
	if err != nil {
		return nil, err
	}
	client := pipeline.NewClient(c, tc.TaskQueue)
	rt.onClose(func() error { client.Close(); return nil })
	return client, nil
}

func (rt *app) locker() (lease.Locker, error) {
	switch rt.cfg.LeaseBackend {
	case config.LeaseRedis:
		if rt.redis == nil {
			return nil, errors.New("redis lease backend needs REDIS_ADDR")
		}
		return lease.NewRedisLocker(rt.redis, "docanalysis:lease:"), nil
	case config.LeaseMemory:
		return lease.NewMemoryLocker(), nil
	default:
		fl, err := lease.NewFileLocker(rt.cfg.Cache.Dir)
		if err != nil {
			return nil, err
		}
		return fl, nil
	}
}

func (rt *app) cache() (*sourcecache.Cache, error) {
	locker, err := rt.locker()
	if err != nil {
		return nil, err
	}
	return sourcecache.New(rt.cfg.Cache, locker, sourcecache.WithMetrics(rt.recorder), sourcecache.WithLogger(rt.logger))
}

func (rt *app) publisher() progress.Publisher {
	if rt.redis == nil {
		return progress.Nop{}
	}
	return progress.NewRedisPublisher(rt.redis)
}

// models returns the vision model, one analysis model per type and the
// synthesis model of the configured provider.
func (rt *app) models(ctx context.Context) (services.VisionModel, map[models.AnalysisType]services.TextModel, services.TextModel, error) {
	cfg := rt.cfg
	types := []models.AnalysisType{models.AnalysisDocument, models.AnalysisCode, models.AnalysisData, models.AnalysisImage}
	byType := make(map[models.AnalysisType]services.TextModel, len(types))

	if cfg.Models.Provider == config.ProviderOpenAI {
		oc := cfg.OpenAI
		vision, err := openai.NewVisionModel(oc.APIKey, oc.BaseURL, oc.VisionModel, services.VisionSystemPrompt)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, t := range types {
			m, err := openai.NewChatModel(oc.APIKey, oc.BaseURL, oc.ChatModel, services.AnalysisSystemPrompt(t), true)
			if err != nil {
				return nil, nil, nil, err
			}
			byType[t] = m
		}
		synth, err := openai.NewChatModel(oc.APIKey, oc.BaseURL, oc.ChatModel, services.SynthesisSystemPrompt, true)
		if err != nil {
			return nil, nil, nil, err
		}
		return vision, byType, synth, nil
	}

	vc, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.Region, cfg.Models.VertexModel)
	if err != nil {
		return nil, nil, nil, err
	}
	rt.onClose(vc.Close)
	for _, t := range types {
		byType[t] = vc.TextModel(services.AnalysisSystemPrompt(t), true)
	}
	return vc.VisionModel(services.VisionSystemPrompt), byType, vc.TextModel(services.SynthesisSystemPrompt, true), nil
}

func (rt *app) embedder() (services.Embedder, error) {
	if rt.cfg.Models.EmbeddingProvider != config.ProviderOpenAI {
		return nil, nil
	}
	oc := rt.cfg.OpenAI
	e, err := openai.NewEmbedder(oc.APIKey, oc.BaseURL, oc.EmbeddingModel, oc.EmbeddingDims)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// runStores returns the run record store and the terminal notifier.
func (rt *app) runStores(ctx context.Context) (services.RunStore, services.Notifier, error) {
	cfg := rt.cfg
	fs, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	rt.onClose(fs.Close)
	runs := gcp.NewFirestoreRuns(fs, "runs")

	if cfg.Notifier.Kind == config.NotifierWorkflows {
		wn, err := gcp.NewWorkflowsNotifier(ctx, cfg.ProjectID, cfg.Notifier.WorkflowLocation, cfg.Notifier.WorkflowName)
		if err != nil {
			return nil, nil, err
		}
		rt.onClose(wn.Close)
		return runs, wn, nil
	}
	return runs, gcp.NewFirestoreNotifier(fs, "notifications"), nil
}

func (rt *app) activities(ctx context.Context) (*pipeline.Activities, error) {
	cfg := rt.cfg

	gcs, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	rt.onClose(gcs.Close)
	store := gcp.NewGCSStore(gcs, cfg.WorkBucket)

	cache, err := rt.cache()
	if err != nil {
		return nil, err
	}
	vision, byType, synth, err := rt.models(ctx)
	if err != nil {
		return nil, err
	}
	embedder, err := rt.embedder()
	if err != nil {
		return nil, err
	}
	runs, notifier, err := rt.runStores(ctx)
	if err != nil {
		return nil, err
	}

	counter, err := textsplit.CounterOrApprox(cfg.TokenEncoding)
	if err != nil {
		rt.logger.Warn("Falling back to approximate token counts", "error", err)
	}
	httpClient := &http.Client{Timeout: 10 * time.Minute}

	return pipeline.NewActivities(pipeline.Deps{
		Downloader: services.NewDownloader(services.DownloaderConfig{
			MaxBytes:     cfg.MaxSourceBytes,
			TempRoot:     cfg.TempRoot,
			SignedURLTTL: cfg.SignedURLTTL,
		}, store, cache, runs, httpClient),
		Converter: services.NewConverter(services.ConverterConfig{
			DPI:      cfg.DPI,
			MaxEdge:  cfg.MaxEdge,
			MaxBytes: cfg.MaxSourceBytes,
		}, store, cache, httpClient, raster.Open),
		Vision: services.NewVisionExtractor(services.VisionConfig{
			SignURLs:     cfg.Models.Provider == config.ProviderOpenAI,
			SignedURLTTL: cfg.SignedURLTTL,
		}, store, vision),
		Text:      services.NewTextExtractor(store, cache, httpClient, cfg.MaxSourceBytes),
		Preparer:  services.NewChunkPreparer(store, textsplit.New(cfg.Split, counter)),
		Analyzer:  services.NewChunkAnalyzer(store, byType),
		Synth:     services.NewSynthesizer(synth),
		Embedder:  services.NewChunkEmbedder(store, embedder),
		Announcer: services.NewAnnouncer(runs, notifier),
		Cleaner:   services.NewCleaner(store),
		Progress:  rt.publisher(),
	}), nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	rt, err := newApp(cmd.String("env"), true)
	if err != nil {
		return err
	}
	defer rt.close()
	defer rt.recorder.LogSummary(rt.logger)

	acts, err := rt.activities(ctx)
	if err != nil {
		return err
	}
	tc := rt.cfg.Temporal
	c, err := pipeline.Dial(tc.HostPort, tc.Namespace, rt.logger, rt.recorder)
	if err != nil {
		return err
	}
	defer c.Close()

	w := pipeline.NewWorker(c, tc.TaskQueue, tc.Concurrency, pipeline.NewWorkflow(rt.cfg.Policies), acts)
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	rt.logger.Info("Worker started", "taskQueue", tc.TaskQueue, "concurrency", tc.Concurrency, "provider", rt.cfg.Models.Provider)
	<-ctx.Done()
	rt.logger.Info("Shutting down worker")
	w.Stop()
	return nil
}

func submitAction(ctx context.Context, cmd *cli.Command) error {
	rt, err := newApp(cmd.String("env"), false)
	if err != nil {
		return err
	}
	defer rt.close()

	source := cmd.String("source")
	fileName := cmd.String("file")
	if fileName == "" {
		fileName = path.Base(source)
	}
	analysisType := models.AnalysisType(cmd.String("type"))
	if analysisType == "auto" {
		analysisType = services.AnalysisTypeFor("", fileName)
	}
	summary := cmd.Bool("summary")
	keep := cmd.Bool("keep-images")
	req := models.AnalysisRequest{
		SourceURL:    source,
		UserID:       cmd.String("user"),
		FileName:     fileName,
		AnalysisType: analysisType,
		Options:      models.AnalysisOptions{GenerateSummary: &summary, ExtractImages: &keep},
	}

	client, err := rt.client()
	if err != nil {
		return err
	}
	workflowID := "analyze-" + uuid.NewString()
	runID, err := client.StartAnalysis(ctx, workflowID, req)
	if err != nil {
		return err
	}
	rt.logger.Info("Analysis submitted", "workflowId", workflowID, "runId", runID, "analysisType", analysisType)
	if !cmd.Bool("wait") {
		return printJSON(map[string]string{"workflowId": workflowID, "runId": runID})
	}

	result, err := client.Result(ctx, workflowID)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	rt, err := newApp(cmd.String("env"), false)
	if err != nil {
		return err
	}
	defer rt.close()

	client, err := rt.client()
	if err != nil {
		return err
	}
	st, err := client.Status(ctx, cmd.String("id"))
	if err != nil {
		return err
	}
	return printJSON(st)
}

func cancelAction(ctx context.Context, cmd *cli.Command) error {
	rt, err := newApp(cmd.String("env"), false)
	if err != nil {
		return err
	}
	defer rt.close()

	client, err := rt.client()
	if err != nil {
		return err
	}
	control := services.NewControl(client, nil, rt.publisher(), 0)
	if err := control.Cancel(ctx, cmd.String("id")); err != nil {
		return err
	}
	rt.logger.Info("Cancel requested", "workflowId", cmd.String("id"))
	return nil
}

func pruneCacheAction(_ context.Context, cmd *cli.Command) error {
	rt, err := newApp(cmd.String("env"), false)
	if err != nil {
		return err
	}
	defer rt.close()

	cache, err := rt.cache()
	if err != nil {
		return err
	}
	n, err := cache.Prune(cmd.Duration("max-age"), time.Now())
	if err != nil {
		return err
	}
	rt.logger.Info("Pruned source cache", "dir", rt.cfg.Cache.Dir, "removed", n)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
