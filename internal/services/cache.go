package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mfleck/docclassflow/internal/models"
)

// ResultCache stores per-page classification results between retries of the
// same workflow run. It is strictly best-effort: a read or write failure is
// logged and swallowed, never surfaced, and must never alter classification
// outcomes.
type ResultCache interface {
	Get(ctx context.Context, doc *models.Document) map[string]models.PageClassification
	Put(ctx context.Context, doc *models.Document, results []models.PageClassification)
}

// cacheEntry is the Firestore document holding one cached result set. The
// page classifications are serialized compactly as a single JSON attribute;
// ExpiresAt drives the collection's TTL policy.
type cacheEntry struct {
	DocumentID          string    `firestore:"documentId"`
	WorkflowExecutionID string    `firestore:"workflowExecutionId"`
	PageClassifications string    `firestore:"pageClassifications"`
	CachedAt            time.Time `firestore:"cachedAt"`
	ExpiresAt           time.Time `firestore:"expiresAt"`
}

// cacheKey builds the entry ID from the document and workflow run identity,
// so a fresh workflow run never sees a previous run's partial results.
func cacheKey(doc *models.Document) string {
	return fmt.Sprintf("classcache#%s#%s", doc.ID, doc.WorkflowExecutionID)
}

func encodeCacheEntry(doc *models.Document, results []models.PageClassification, now time.Time, ttl time.Duration) (cacheEntry, error) {
	data, err := json.Marshal(results)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("failed to serialize page classifications: %w", err)
	}
	return cacheEntry{
		DocumentID:          doc.ID,
		WorkflowExecutionID: doc.WorkflowExecutionID,
		PageClassifications: string(data),
		CachedAt:            now,
		ExpiresAt:           now.Add(ttl),
	}, nil
}

func decodeCacheEntry(entry cacheEntry) (map[string]models.PageClassification, error) {
	var results []models.PageClassification
	if err := json.Unmarshal([]byte(entry.PageClassifications), &results); err != nil {
		return nil, fmt.Errorf("failed to parse cached page classifications: %w", err)
	}
	byPage := make(map[string]models.PageClassification, len(results))
	for _, r := range results {
		byPage[r.PageID] = r
	}
	return byPage, nil
}

// FirestoreCache is the Firestore-backed ResultCache.
type FirestoreCache struct {
	client     *firestore.Client
	collection string
	ttl        time.Duration
}

// NewFirestoreCache creates a cache over the given collection. Entries
// expire ttl after write via the collection's TTL policy on expiresAt.
func NewFirestoreCache(client *firestore.Client, collection string, ttl time.Duration) *FirestoreCache {
	return &FirestoreCache{client: client, collection: collection, ttl: ttl}
}

// Get returns the cached page classifications for this document and
// workflow run, or an empty map when there is no entry, the entry has
// expired, or the read fails.
func (c *FirestoreCache) Get(ctx context.Context, doc *models.Document) map[string]models.PageClassification {
	logCtx := slog.With("documentId", doc.ID, "executionId", doc.WorkflowExecutionID)

	snap, err := c.client.Collection(c.collection).Doc(cacheKey(doc)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			logCtx.Info("No cached page classifications found.")
		} else {
			logCtx.Warn("Failed to read classification cache.", "error", err)
		}
		return map[string]models.PageClassification{}
	}

	var entry cacheEntry
	if err := snap.DataTo(&entry); err != nil {
		logCtx.Warn("Failed to decode classification cache entry.", "error", err)
		return map[string]models.PageClassification{}
	}
	if time.Now().After(entry.ExpiresAt) {
		logCtx.Info("Cached page classifications have expired.")
		return map[string]models.PageClassification{}
	}

	byPage, err := decodeCacheEntry(entry)
	if err != nil {
		logCtx.Warn("Failed to parse classification cache entry.", "error", err)
		return map[string]models.PageClassification{}
	}

	logCtx.Info("Retrieved cached page classifications.", "pageCount", len(byPage))
	return byPage
}

// Put writes the successful subset of results. Failures to write are logged
// and swallowed; a cache fault must not fail the classification pass.
func (c *FirestoreCache) Put(ctx context.Context, doc *models.Document, results []models.PageClassification) {
	logCtx := slog.With("documentId", doc.ID, "executionId", doc.WorkflowExecutionID)

	successful := make([]models.PageClassification, 0, len(results))
	for _, r := range results {
		if !r.Failed() {
			successful = append(successful, r)
		}
	}
	if len(successful) == 0 {
		logCtx.Info("No successful page classifications to cache.")
		return
	}

	entry, err := encodeCacheEntry(doc, successful, time.Now(), c.ttl)
	if err != nil {
		logCtx.Warn("Failed to encode classification cache entry.", "error", err)
		return
	}
	if _, err := c.client.Collection(c.collection).Doc(cacheKey(doc)).Set(ctx, entry); err != nil {
		logCtx.Warn("Failed to write classification cache entry.", "error", err)
		return
	}
	logCtx.Info("Cached successful page classifications.", "pageCount", len(successful))
}
