package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mfleck/docclassflow/internal/gcp"
	"github.com/mfleck/docclassflow/internal/models"
)

// Endpoint retry tuning. Only throttling-class failures are retried; the
// backoff doubles from the initial value and is capped at the maximum.
const (
	endpointMaxAttempts    = 7
	endpointInitialBackoff = 2 * time.Second
	endpointMaxBackoff     = 300 * time.Second
)

// typeRetrySentinel marks a page whose classification task failed outright.
// It signals the caller should retry the whole document, warm-started from
// the result cache.
const typeRetrySentinel = "error (backoff/retry)"

// PageRequest identifies one page to classify and its content references.
type PageRequest struct {
	PageID     string
	TextURI    string
	ImageURI   string
	RawTextURI string
}

// PageBackend classifies a single page. Implementations are stateless and
// safe for concurrent use across the dispatcher's worker pool.
//
// The model variant propagates backend failures through the error return;
// the endpoint variant never fails a page, degrading to an unclassified
// result instead.
type PageBackend interface {
	ClassifyPage(ctx context.Context, req PageRequest) (models.PageClassification, error)
}

// ModelInvoker is the generative backend contract: ordered content blocks
// in, generated text and usage counters out. No built-in retry.
type ModelInvoker interface {
	Invoke(ctx context.Context, blocks []models.ContentBlock) (string, models.Metering, error)
}

// EndpointInvoker is the specialized classifier endpoint contract. Errors
// carry a gRPC status code used to decide retry eligibility.
type EndpointInvoker interface {
	Predict(ctx context.Context, imageURI, rawTextURI string) (string, error)
}

// modelBackend classifies pages with the generative model: it loads the
// page's text and image content, assembles the prompt content and parses a
// type label out of the generated response.
type modelBackend struct {
	invoker    ModelInvoker
	store      ObjectStore
	builder    *contentBuilder
	taskPrompt string
	classList  string
	validTypes map[string]bool
}

func (b *modelBackend) ClassifyPage(ctx context.Context, req PageRequest) (models.PageClassification, error) {
	logCtx := slog.With("pageId", req.PageID)

	var textContent string
	if req.TextURI != "" {
		text, err := b.store.GetText(ctx, req.TextURI)
		if err != nil {
			logCtx.Warn("Failed to load text content, continuing without it.", "uri", req.TextURI, "error", err)
		} else {
			textContent = text
		}
	}

	var imageContent []byte
	if req.ImageURI != "" {
		data, err := b.store.GetBinary(ctx, req.ImageURI)
		if err != nil {
			logCtx.Warn("Failed to load image content, continuing without it.", "uri", req.ImageURI, "error", err)
		} else {
			imageContent = data
		}
	}

	if textContent == "" && imageContent == nil {
		logCtx.Warn("No content available for page.")
		return models.Unclassified(req.PageID, req.ImageURI, req.TextURI, req.RawTextURI,
			"No content available for classification"), nil
	}

	content, err := b.builder.Build(ctx, b.taskPrompt, textContent, b.classList, imageContent)
	if err != nil {
		return models.PageClassification{}, fmt.Errorf("failed to build content for page %s: %w", req.PageID, err)
	}

	responseText, metering, err := b.invoker.Invoke(ctx, content)
	if err != nil {
		return models.PageClassification{}, fmt.Errorf("model invocation failed for page %s: %w", req.PageID, err)
	}

	docType := parseClassificationLabel(responseText)
	if docType == "" {
		docType = models.TypeUnclassified
		logCtx.Warn("Empty classification in model response, using unclassified.")
	} else if !b.validTypes[strings.ToLower(docType)] {
		// The catalog is advisory: the model may name a valid type the
		// configuration doesn't know yet.
		logCtx.Warn("Classification is not in the configured catalog, using anyway.", "type", docType)
	}

	logCtx.Info("Page classified.", "type", docType)
	return models.PageClassification{
		PageID: req.PageID,
		Classification: models.DocumentClassification{
			Type:       docType,
			Confidence: 1.0,
			Metering:   metering,
		},
		ImageURI:   req.ImageURI,
		TextURI:    req.TextURI,
		RawTextURI: req.RawTextURI,
	}, nil
}

// endpointBackend classifies pages with the specialized prediction endpoint,
// retrying throttling-class failures with capped exponential backoff. It
// never fails a page: exhausted retries and non-retryable errors both
// degrade to an unclassified result carrying the failure reason.
type endpointBackend struct {
	invoker        EndpointInvoker
	maxAttempts    uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func newEndpointBackend(invoker EndpointInvoker) *endpointBackend {
	return &endpointBackend{
		invoker:        invoker,
		maxAttempts:    endpointMaxAttempts,
		initialBackoff: endpointInitialBackoff,
		maxBackoff:     endpointMaxBackoff,
	}
}

// backoff builds the per-page retry schedule: exponential starting at the
// initial backoff, capped at the maximum, with maxAttempts total attempts.
func (b *endpointBackend) backoff() retry.Backoff {
	schedule := retry.WithCappedDuration(b.maxBackoff, retry.NewExponential(b.initialBackoff))
	return retry.WithMaxRetries(b.maxAttempts-1, schedule)
}

func (b *endpointBackend) ClassifyPage(ctx context.Context, req PageRequest) (models.PageClassification, error) {
	logCtx := slog.With("pageId", req.PageID)

	if req.ImageURI == "" || req.RawTextURI == "" {
		logCtx.Warn("Missing required content references for endpoint classification.")
		return models.Unclassified(req.PageID, req.ImageURI, req.TextURI, req.RawTextURI,
			"Missing required image or raw text reference"), nil
	}

	var docType string
	attempt := 0
	err := retry.Do(ctx, b.backoff(), func(ctx context.Context) error {
		attempt++
		label, err := b.invoker.Predict(ctx, req.ImageURI, req.RawTextURI)
		if err != nil {
			if isThrottling(err) {
				logCtx.Warn("Endpoint throttled, backing off.",
					"attempt", attempt, "maxAttempts", b.maxAttempts, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		docType = label
		return nil
	})
	if err != nil {
		if isThrottling(err) {
			logCtx.Error("Max retries exceeded for endpoint classification.", "attempts", attempt)
			return models.Unclassified(req.PageID, req.ImageURI, req.TextURI, req.RawTextURI,
				fmt.Sprintf("Max retries exceeded for endpoint classification: %v", err)), nil
		}
		logCtx.Error("Non-retryable endpoint error.", "error", err)
		return models.Unclassified(req.PageID, req.ImageURI, req.TextURI, req.RawTextURI,
			err.Error()), nil
	}

	if docType == "" {
		docType = models.TypeUnclassified
	}
	logCtx.Info("Page classified.", "type", docType, "attempts", attempt)
	return models.PageClassification{
		PageID: req.PageID,
		Classification: models.DocumentClassification{
			Type:       docType,
			Confidence: 1.0,
			Metering: models.Metering{
				gcp.MeterEndpointPredict: {"invocations": 1},
			},
		},
		ImageURI:   req.ImageURI,
		TextURI:    req.TextURI,
		RawTextURI: req.RawTextURI,
	}, nil
}

// isThrottling reports whether the error is a throttling/quota-class gRPC
// failure worth retrying.
func isThrottling(err error) bool {
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.Unavailable, codes.Aborted:
		return true
	default:
		return false
	}
}

// detectImageMIME sniffs the content type of raw image bytes.
func detectImageMIME(data []byte) string {
	return http.DetectContentType(data)
}
