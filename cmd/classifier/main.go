package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/mfleck/docclassflow/internal/config"
	"github.com/mfleck/docclassflow/internal/gcp"
	"github.com/mfleck/docclassflow/internal/models"
	"github.com/mfleck/docclassflow/internal/services"
)

var (
	classifierInstance *services.ClassificationService
	storeInstance      *gcp.Store
	once               sync.Once
	initErr            error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("ClassifyDocument", handleClassifyDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// newClassifier loads the configuration and builds only the clients the
// configured backend and method actually need.
func newClassifier(ctx context.Context) (*services.ClassificationService, error) {
	cfg, err := config.Load(config.GetEnv("CONFIG_PATH", ""))
	if err != nil {
		return nil, err
	}

	store, err := gcp.NewStore(ctx)
	if err != nil {
		return nil, err
	}
	storeInstance = store
	deps := services.Dependencies{Store: store}

	cl := cfg.Classification
	if cl.Backend == config.BackendModel || cl.Method == config.MethodHolistic {
		model, err := gcp.NewVertexModel(ctx, cfg.ProjectID, cfg.VertexAIRegion, gcp.ModelConfig{
			Model:           cl.Model,
			SystemPrompt:    cl.SystemPrompt,
			Temperature:     cl.Temperature,
			TopK:            cl.TopK,
			TopP:            cl.TopP,
			MaxOutputTokens: cl.MaxOutputTokens,
		})
		if err != nil {
			return nil, err
		}
		deps.Model = model
	}
	if cl.Backend == config.BackendEndpoint {
		endpoint, err := gcp.NewEndpoint(ctx, cfg.VertexAIRegion, cl.Endpoint)
		if err != nil {
			return nil, err
		}
		deps.Endpoint = endpoint
	}
	if cfg.Cache.Collection != "" {
		fs, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		deps.Cache = services.NewFirestoreCache(fs, cfg.Cache.Collection, cfg.Cache.TTL)
	}

	return services.NewClassificationService(cfg, deps)
}

// handleClassifyDocument is the HTTP handler the workflow calls with a
// document to classify. The response carries the enriched document back.
func handleClassifyDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		classifierInstance, initErr = newClassifier(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: classifier initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	doc := &req.Document
	if doc.WorkflowExecutionID == "" {
		doc.WorkflowExecutionID = req.ExecutionID
	}

	doc, err := classifierInstance.ClassifyDocument(r.Context(), doc)
	if err != nil || doc.Status == models.StatusFailed {
		slog.Error("Document classification failed",
			"documentId", doc.ID, "error", err, "documentErrors", doc.Errors)
		http.Error(w, "Internal Server Error: classification failed", http.StatusInternalServerError)
		return
	}

	saveClassificationArtifact(r.Context(), doc)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(models.ClassifyResponse{Document: *doc}); err != nil {
		slog.Error("Failed to write response", "error", err, "documentId", doc.ID)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}

// saveClassificationArtifact persists the classified document as a derived
// artifact next to the split pages. The save is create-if-absent, so a
// retried workflow step never overwrites an earlier result, and best effort:
// a storage fault must not fail the classification response.
func saveClassificationArtifact(ctx context.Context, doc *models.Document) {
	if doc.OutputBucket == "" {
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		slog.Warn("Failed to serialize classification artifact", "documentId", doc.ID, "error", err)
		return
	}
	object := doc.ID + "/classification/result.json"
	if err := storeInstance.SaveAtomically(ctx, doc.OutputBucket, object, data); err != nil {
		slog.Warn("Failed to save classification artifact",
			"documentId", doc.ID, "object", object, "error", err)
	}
}
