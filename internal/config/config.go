package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mfleck/docclassflow/internal/models"
)

// Classification backends.
const (
	BackendModel    = "model"    // generative text/image model (Vertex AI Gemini)
	BackendEndpoint = "endpoint" // specialized multimodal prediction endpoint
)

// Classification methods.
const (
	MethodPageLevel = "multimodalPageLevelClassification"
	MethodHolistic  = "textbasedHolisticClassification"
)

// ExampleConfig is one few-shot example attached to a document class. The
// image path may name a single object, a local file, or a storage prefix that
// resolves to many images.
type ExampleConfig struct {
	Name        string `yaml:"name"`
	ClassPrompt string `yaml:"classPrompt"`
	ImagePath   string `yaml:"imagePath"`
}

// ClassConfig declares one document class of the catalog, with optional
// few-shot examples.
type ClassConfig struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Examples    []ExampleConfig `yaml:"examples"`
}

// ClassificationConfig carries everything the classification engine needs:
// backend and method selection, prompt templates and generation parameters.
type ClassificationConfig struct {
	Backend         string  `yaml:"backend"`
	Method          string  `yaml:"method"`
	Model           string  `yaml:"model"`
	Endpoint        string  `yaml:"endpoint"`
	SystemPrompt    string  `yaml:"systemPrompt"`
	TaskPrompt      string  `yaml:"taskPrompt"`
	Temperature     float32 `yaml:"temperature"`
	TopK            int32   `yaml:"topK"`
	TopP            float32 `yaml:"topP"`
	MaxOutputTokens int32   `yaml:"maxOutputTokens"`
	MaxWorkers      int     `yaml:"maxWorkers"`
}

// CacheConfig controls the best-effort classification result cache.
type CacheConfig struct {
	Collection string        `yaml:"collection"`
	TTL        time.Duration `yaml:"ttl"`
}

// IngestConfig configures the ingestion trigger.
type IngestConfig struct {
	SplitPagesBucket string `yaml:"splitPagesBucket"`
	Collection       string `yaml:"collection"`
	WorkflowID       string `yaml:"workflowId"`
	WorkflowLocation string `yaml:"workflowLocation"`
}

// Config is the full immutable configuration for the service. It is loaded
// once at function initialization and passed into constructors; nothing in
// the classification logic reads the environment directly.
type Config struct {
	ProjectID      string               `yaml:"projectId"`
	VertexAIRegion string               `yaml:"vertexAiRegion"`
	ConfigBucket   string               `yaml:"configBucket"`
	Cache          CacheConfig          `yaml:"cache"`
	Ingest         IngestConfig         `yaml:"ingest"`
	Classification ClassificationConfig `yaml:"classification"`
	Classes        []ClassConfig        `yaml:"classes"`
}

// GetEnv reads an environment variable or returns a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// Load reads the YAML configuration at path (empty path skips the file and
// starts from defaults), applies environment overrides and validates the
// platform-level fields. Engine-level fields (prompts, model identifiers)
// are validated by the engine constructor so misconfiguration fails fast at
// setup rather than mid-classification.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Classification.Backend = BackendModel
	cfg.Classification.Method = MethodPageLevel
	cfg.Classification.TopK = 5
	cfg.Classification.TopP = 0.1
	cfg.Classification.MaxOutputTokens = 4096
	cfg.Classification.MaxWorkers = 20
	cfg.Cache.Collection = "classificationCache"
	cfg.Cache.TTL = 24 * time.Hour
	cfg.Ingest.Collection = "documents"
	cfg.Ingest.WorkflowLocation = "us-central1"
	cfg.Ingest.WorkflowID = "document-processing-orchestrator"

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("projectId must be set (config file or PROJECT_ID)")
	}
	if cfg.VertexAIRegion == "" {
		cfg.VertexAIRegion = "us-central1"
	}
	if cfg.Classification.Backend != BackendModel && cfg.Classification.Backend != BackendEndpoint {
		return nil, fmt.Errorf("invalid classification backend %q", cfg.Classification.Backend)
	}
	if cfg.Classification.Method != MethodPageLevel && cfg.Classification.Method != MethodHolistic {
		return nil, fmt.Errorf("invalid classification method %q", cfg.Classification.Method)
	}
	if cfg.Classification.MaxWorkers < 1 {
		return nil, fmt.Errorf("maxWorkers must be positive, got %d", cfg.Classification.MaxWorkers)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ProjectID = GetEnv("PROJECT_ID", cfg.ProjectID)
	cfg.VertexAIRegion = GetEnv("VERTEX_AI_REGION", cfg.VertexAIRegion)
	cfg.ConfigBucket = GetEnv("CONFIGURATION_BUCKET", cfg.ConfigBucket)
	cfg.Cache.Collection = GetEnv("CLASSIFICATION_CACHE_COLLECTION", cfg.Cache.Collection)
	cfg.Ingest.SplitPagesBucket = GetEnv("SPLIT_PAGES_BUCKET", cfg.Ingest.SplitPagesBucket)
	cfg.Ingest.Collection = GetEnv("FIRESTORE_COLLECTION", cfg.Ingest.Collection)
	cfg.Ingest.WorkflowID = GetEnv("WORKFLOW_ID", cfg.Ingest.WorkflowID)
	cfg.Ingest.WorkflowLocation = GetEnv("WORKFLOW_LOCATION", cfg.Ingest.WorkflowLocation)
	cfg.Classification.Backend = GetEnv("CLASSIFICATION_BACKEND", cfg.Classification.Backend)
	cfg.Classification.Method = GetEnv("CLASSIFICATION_METHOD", cfg.Classification.Method)
	cfg.Classification.Model = GetEnv("CLASSIFICATION_MODEL", cfg.Classification.Model)
	cfg.Classification.Endpoint = GetEnv("CLASSIFICATION_ENDPOINT", cfg.Classification.Endpoint)
	if v := GetEnv("MAX_WORKERS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Classification.MaxWorkers = n
		}
	}
}

// DocumentTypes returns the configured class catalog. An empty catalog falls
// back to a single "unclassified" type so the engine always has something to
// assign.
func (c *Config) DocumentTypes() []models.DocumentType {
	types := make([]models.DocumentType, 0, len(c.Classes))
	for _, class := range c.Classes {
		types = append(types, models.DocumentType{
			Name:        class.Name,
			Description: class.Description,
		})
	}
	if len(types) == 0 {
		types = append(types, models.DocumentType{
			Name:        models.TypeUnclassified,
			Description: "A document that does not match any known type.",
		})
	}
	return types
}
