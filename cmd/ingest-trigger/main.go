package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/mfleck/docclassflow/internal/config"
	"github.com/mfleck/docclassflow/internal/gcp"
	"github.com/mfleck/docclassflow/internal/services"
)

var (
	ingestInstance *services.IngestService
	once           sync.Once
	initErr        error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("IngestDocument", ingestDocument)
}

// main is required by the Go Functions Framework.
func main() {}

func newIngestService(ctx context.Context) (*services.IngestService, error) {
	cfg, err := config.Load(config.GetEnv("CONFIG_PATH", ""))
	if err != nil {
		return nil, err
	}
	store, err := gcp.NewStore(ctx)
	if err != nil {
		return nil, err
	}
	fs, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	exec, err := executions.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return services.NewIngestService(cfg.ProjectID, cfg.Ingest, store, fs, exec)
}

// ingestDocument handles the object-finalized event for an uploaded PDF.
func ingestDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		ingestInstance, initErr = newIngestService(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var event services.StorageEvent
	if err := json.Unmarshal(e.Data(), &event); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	return ingestInstance.Process(ctx, event)
}
