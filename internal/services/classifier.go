// Package services contains the document classification engine: page-level
// and holistic classification strategies, prompt content assembly, the
// bounded worker pool, and the resumable-retry result cache.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mfleck/docclassflow/internal/config"
	"github.com/mfleck/docclassflow/internal/models"
)

// ObjectStore is the subset of the object storage client the classification
// engine reads page text, page images, and few-shot example images through.
type ObjectStore interface {
	GetText(ctx context.Context, uri string) (string, error)
	GetBinary(ctx context.Context, uri string) ([]byte, error)
	List(ctx context.Context, prefixURI string) ([]string, error)
}

// Dependencies carries the backend clients a ClassificationService selects
// from at construction time. Only the clients the configured backend and
// method need have to be non-nil.
type Dependencies struct {
	Model    ModelInvoker
	Endpoint EndpointInvoker
	Store    ObjectStore
	Cache    ResultCache
}

// ClassificationService assigns a document type to every page of a document
// and reduces the per-page assignments into contiguous sections. The backend
// and classification method are fixed when the service is constructed.
type ClassificationService struct {
	method     string
	types      []models.DocumentType
	validTypes map[string]bool

	backend PageBackend
	model   ModelInvoker
	store   ObjectStore
	cache   ResultCache
	builder *contentBuilder

	taskPrompt string
	maxWorkers int
}

// NewClassificationService validates the configuration against the supplied
// clients and fixes the backend for the lifetime of the service. An
// unsupported backend or method, or a missing prompt for a strategy that
// needs one, fails construction rather than the first document.
func NewClassificationService(cfg *config.Config, deps Dependencies) (*ClassificationService, error) {
	cl := cfg.Classification

	switch cl.Method {
	case config.MethodPageLevel, config.MethodHolistic:
	default:
		return nil, fmt.Errorf("unsupported classification method %q", cl.Method)
	}

	types := cfg.DocumentTypes()
	validTypes := make(map[string]bool, len(types))
	for _, t := range types {
		validTypes[strings.ToLower(t.Name)] = true
	}

	s := &ClassificationService{
		method:     cl.Method,
		types:      types,
		validTypes: validTypes,
		model:      deps.Model,
		store:      deps.Store,
		cache:      deps.Cache,
		taskPrompt: cl.TaskPrompt,
		maxWorkers: cl.MaxWorkers,
	}
	if s.maxWorkers < 1 {
		s.maxWorkers = 1
	}

	switch cl.Backend {
	case config.BackendModel:
		if deps.Model == nil {
			return nil, fmt.Errorf("model backend selected but no model client supplied")
		}
		if deps.Store == nil {
			return nil, fmt.Errorf("model backend selected but no object store supplied")
		}
		if cl.SystemPrompt == "" || cl.TaskPrompt == "" {
			return nil, fmt.Errorf("model backend requires system and task prompts")
		}
		s.builder = newContentBuilder(deps.Store, cfg.Classes, cfg.ConfigBucket)
		s.backend = &modelBackend{
			invoker:    deps.Model,
			store:      deps.Store,
			builder:    s.builder,
			taskPrompt: cl.TaskPrompt,
			classList:  formatClassList(types),
			validTypes: validTypes,
		}
	case config.BackendEndpoint:
		if deps.Endpoint == nil {
			return nil, fmt.Errorf("endpoint backend selected but no endpoint client supplied")
		}
		s.backend = newEndpointBackend(deps.Endpoint)
	default:
		return nil, fmt.Errorf("unsupported classification backend %q", cl.Backend)
	}

	if cl.Method == config.MethodHolistic {
		if deps.Model == nil {
			return nil, fmt.Errorf("holistic classification requires a model client")
		}
		if deps.Store == nil {
			return nil, fmt.Errorf("holistic classification requires an object store")
		}
		if cl.SystemPrompt == "" || cl.TaskPrompt == "" {
			return nil, fmt.Errorf("holistic classification requires system and task prompts")
		}
		if s.builder == nil {
			s.builder = newContentBuilder(deps.Store, cfg.Classes, cfg.ConfigBucket)
		}
	}

	return s, nil
}

// ClassifyDocument classifies every page of the document and attaches the
// reduced sections. The document is mutated in place and returned in every
// case; on failure its status is FAILED and the errors list explains why.
func (s *ClassificationService) ClassifyDocument(ctx context.Context, doc *models.Document) (*models.Document, error) {
	logCtx := slog.With("documentId", doc.ID, "method", s.method)

	if len(doc.Pages) == 0 {
		logCtx.Error("Document has no pages to classify.")
		doc.AppendError("Document has no pages to classify")
		doc.Status = models.StatusFailed
		return doc, nil
	}

	// With a single known type there is nothing to decide. Label every page
	// without ever calling a backend.
	if len(s.types) == 1 {
		return s.classifySingleType(doc, logCtx), nil
	}

	if s.method == config.MethodHolistic {
		return s.classifyHolistic(ctx, doc)
	}
	return s.classifyPageLevel(ctx, doc)
}

func (s *ClassificationService) classifySingleType(doc *models.Document, logCtx *slog.Logger) *models.Document {
	only := s.types[0].Name
	logCtx.Info("Single document type configured; skipping classification.",
		"type", only, "pageCount", len(doc.Pages))

	order := doc.PageOrder()
	for _, pageID := range order {
		doc.Pages[pageID].Classification = only
		doc.Pages[pageID].Confidence = 1.0
	}
	doc.Sections = []models.Section{{
		ID:             "1",
		Classification: only,
		Confidence:     1.0,
		PageIDs:        order,
	}}
	doc.Status = models.StatusClassified
	return doc
}

func (s *ClassificationService) classifyPageLevel(ctx context.Context, doc *models.Document) (*models.Document, error) {
	logCtx := slog.With("documentId", doc.ID)

	cached := map[string]models.PageClassification{}
	if s.cache != nil {
		cached = s.cache.Get(ctx, doc)
	}

	combined := models.Metering{}
	var results []models.PageClassification
	pending := make(map[string]*models.Page)
	for pageID, page := range doc.Pages {
		if hit, ok := cached[pageID]; ok {
			page.Classification = hit.Classification.Type
			page.Confidence = hit.Classification.Confidence
			combined = combined.Merge(hit.Classification.Metering)
			results = append(results, hit)
			continue
		}
		pending[pageID] = page
	}

	if len(pending) == 0 {
		logCtx.Info("All page classifications served from cache.", "pageCount", len(results))
	} else {
		logCtx.Info("Classifying pages.",
			"pending", len(pending), "cached", len(results), "maxWorkers", s.maxWorkers)
		batchResults, failures, batchMetering := s.dispatchPages(ctx, doc, pending)
		results = append(results, batchResults...)
		combined = combined.Merge(batchMetering)

		if len(failures) > 0 {
			successes := successfulOnly(results)
			if s.cache != nil {
				s.cache.Put(ctx, doc, successes)
			}
			logCtx.Error("Page classification batch failed.",
				"failedPages", len(failures), "successfulPages", len(successes))
			doc.Sections = groupIntoSections(successes)
			doc.Metering = doc.Metering.Merge(combined)
			doc.Status = models.StatusFailed
			return doc, &BatchError{Failures: failures}
		}
	}

	doc.Sections = groupIntoSections(results)
	doc.Metering = doc.Metering.Merge(combined)
	doc.Status = models.StatusClassified
	logCtx.Info("Document classified.",
		"pageCount", len(results), "sectionCount", len(doc.Sections))
	return doc, nil
}

func successfulOnly(results []models.PageClassification) []models.PageClassification {
	ok := make([]models.PageClassification, 0, len(results))
	for _, r := range results {
		if !r.Failed() {
			ok = append(ok, r)
		}
	}
	return ok
}

// formatClassList renders the configured types for the
// {CLASS_NAMES_AND_DESCRIPTIONS} placeholder of page-level prompts.
func formatClassList(types []models.DocumentType) string {
	var b strings.Builder
	for _, t := range types {
		fmt.Fprintf(&b, "%s  \t[ %s ]\n", t.Name, t.Description)
	}
	return b.String()
}

// formatClassTable renders the configured types as a markdown table for
// holistic prompts, where the model reasons over the whole catalog at once.
func formatClassTable(types []models.DocumentType) string {
	var b strings.Builder
	b.WriteString("| type | description |\n")
	b.WriteString("| --- | --- |\n")
	for _, t := range types {
		fmt.Fprintf(&b, "| %s | %s |\n", t.Name, t.Description)
	}
	return b.String()
}
