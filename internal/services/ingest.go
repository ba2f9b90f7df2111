package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/mfleck/docclassflow/internal/config"
	"github.com/mfleck/docclassflow/internal/gcp"
	"github.com/mfleck/docclassflow/internal/models"
)

// uploadLimit bounds the concurrent page uploads per ingested PDF.
const uploadLimit = 10

// StorageEvent is the subset of the object-finalized event payload the
// ingestion trigger needs.
type StorageEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// IngestService turns an uploaded PDF into a classification-ready document:
// it splits the PDF into single-page objects, records the document, and
// starts the processing workflow with the document as its argument.
type IngestService struct {
	store      *gcp.Store
	firestore  *firestore.Client
	executions *executions.Client
	projectID  string
	cfg        config.IngestConfig
}

func NewIngestService(projectID string, cfg config.IngestConfig, store *gcp.Store, fs *firestore.Client, exec *executions.Client) (*IngestService, error) {
	if cfg.SplitPagesBucket == "" {
		return nil, fmt.Errorf("splitPagesBucket must be configured")
	}
	return &IngestService{
		store:      store,
		firestore:  fs,
		executions: exec,
		projectID:  projectID,
		cfg:        cfg,
	}, nil
}

// Process handles one uploaded object. Duplicate uploads (same content hash)
// are skipped cleanly; any other failure marks the document record FAILED
// and returns the error so the event is surfaced.
func (s *IngestService) Process(ctx context.Context, e StorageEvent) error {
	logCtx := slog.With("bucket", e.Bucket, "object", e.Name)
	logCtx.Info("Processing uploaded object.")

	tempDir, err := os.MkdirTemp("", "ingest-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source.pdf")
	if err := s.store.Download(ctx, e.Bucket, e.Name, sourcePath); err != nil {
		logCtx.Error("Failed to download source PDF.", "error", err)
		return err
	}

	fileHash, err := hashFile(sourcePath)
	if err != nil {
		return fmt.Errorf("hash source PDF: %w", err)
	}
	logCtx = logCtx.With("fileHash", fileHash)

	if docID, dup, err := s.findDuplicate(ctx, fileHash); err != nil {
		logCtx.Error("Duplicate check failed.", "error", err)
		return err
	} else if dup {
		logCtx.Info("Duplicate upload detected, skipping.", "existingDocumentId", docID)
		return nil
	}

	docRef := s.firestore.Collection(s.cfg.Collection).NewDoc()
	logCtx = logCtx.With("documentId", docRef.ID)

	doc := &models.Document{
		ID:           docRef.ID,
		InputBucket:  e.Bucket,
		InputKey:     e.Name,
		OutputBucket: s.cfg.SplitPagesBucket,
		Status:       models.StatusQueued,
		QueuedAt:     time.Now().UTC(),
		Pages:        map[string]*models.Page{},
		Metadata:     map[string]string{"fileHash": fileHash},
	}

	pageCount, err := s.splitAndUpload(ctx, logCtx, doc, sourcePath)
	if err != nil {
		return s.fail(ctx, logCtx, docRef, doc, "failed to split PDF", err)
	}
	doc.PageCount = pageCount

	if _, err := docRef.Set(ctx, doc); err != nil {
		logCtx.Error("Failed to create document record.", "error", err)
		return fmt.Errorf("create document record: %w", err)
	}

	executionID, err := s.startWorkflow(ctx, doc)
	if err != nil {
		return s.fail(ctx, logCtx, docRef, doc, "failed to start workflow execution", err)
	}
	doc.WorkflowExecutionID = executionID
	if _, err := docRef.Update(ctx, []firestore.Update{
		{Path: "workflowExecutionId", Value: executionID},
	}); err != nil {
		logCtx.Error("Failed to record workflow execution on document.", "error", err)
		return fmt.Errorf("record workflow execution: %w", err)
	}

	logCtx.Info("Document queued for processing.",
		"pageCount", pageCount, "executionId", executionID)
	return nil
}

func (s *IngestService) findDuplicate(ctx context.Context, fileHash string) (string, bool, error) {
	docs, err := s.firestore.Collection(s.cfg.Collection).
		Where("metadata.fileHash", "==", fileHash).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return "", false, fmt.Errorf("query for duplicates: %w", err)
	}
	if len(docs) > 0 {
		return docs[0].Ref.ID, true, nil
	}
	return "", false, nil
}

// splitAndUpload optimizes the PDF, splits it into single pages and uploads
// each page concurrently. It populates the document's page map, one entry
// per page keyed by the 1-based page number.
func (s *IngestService) splitAndUpload(ctx context.Context, logCtx *slog.Logger, doc *models.Document, sourcePath string) (int, error) {
	optimizedPath := filepath.Join(filepath.Dir(sourcePath), "optimized.pdf")
	pdfConf := model.NewDefaultConfiguration()
	pdfConf.ValidationMode = model.ValidationRelaxed
	if err := api.OptimizeFile(sourcePath, optimizedPath, pdfConf); err != nil {
		return 0, fmt.Errorf("optimize PDF: %w", err)
	}

	pageCount, err := api.PageCountFile(optimizedPath)
	if err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	if err := api.SplitFile(optimizedPath, filepath.Dir(optimizedPath), 1, nil); err != nil {
		return 0, fmt.Errorf("split PDF: %w", err)
	}
	logCtx.Info("PDF split locally.", "pageCount", pageCount)

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(uploadLimit)
	splitBase := strings.TrimSuffix(optimizedPath, filepath.Ext(optimizedPath))

	for i := 1; i <= pageCount; i++ {
		pageNumber := i
		localPath := fmt.Sprintf("%s_%d.pdf", splitBase, pageNumber)
		object := fmt.Sprintf("%s/pages/%05d.pdf", doc.ID, pageNumber)
		doc.Pages[strconv.Itoa(pageNumber)] = &models.Page{
			ImageURI: gcp.URI(s.cfg.SplitPagesBucket, object),
		}

		eg.Go(func() error {
			if err := s.uploadWithRetry(gctx, object, localPath); err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, fmt.Errorf("upload pages: %w", err)
	}
	logCtx.Info("All pages uploaded.")
	return pageCount, nil
}

func (s *IngestService) uploadWithRetry(ctx context.Context, object, localPath string) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.store.UploadFile(ctx, s.cfg.SplitPagesBucket, object, localPath); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// startWorkflow launches the processing workflow with the queued document as
// its argument and returns the execution ID, which later keys the
// classification result cache.
func (s *IngestService) startWorkflow(ctx context.Context, doc *models.Document) (string, error) {
	payload, err := json.Marshal(map[string]any{"document": doc})
	if err != nil {
		return "", fmt.Errorf("marshal workflow argument: %w", err)
	}
	resp, err := s.executions.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s",
			s.projectID, s.cfg.WorkflowLocation, s.cfg.WorkflowID),
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	})
	if err != nil {
		return "", err
	}
	// The execution name is fully qualified; only the final segment is
	// needed to identify the run.
	name := resp.GetName()
	return name[strings.LastIndex(name, "/")+1:], nil
}

func (s *IngestService) fail(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, doc *models.Document, message string, cause error) error {
	full := fmt.Sprintf("%s: %v", message, cause)
	logCtx.Error(message, "error", cause)
	doc.AppendError(full)
	doc.Status = models.StatusFailed
	if _, err := docRef.Set(ctx, doc); err != nil {
		logCtx.Error("Failed to record FAILED status after processing error.", "updateError", err)
	}
	return fmt.Errorf("%s", full)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
