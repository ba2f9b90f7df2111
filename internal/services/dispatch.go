package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mfleck/docclassflow/internal/models"
)

// PageFailure pairs a page ID with the error that failed its classification
// task outright.
type PageFailure struct {
	PageID string
	Err    error
}

// BatchError reports the pages whose classification tasks failed during a
// concurrent batch. The successful subset has already been cached when this
// error is returned, so retrying the document skips the completed pages.
type BatchError struct {
	Failures []PageFailure
}

func (e *BatchError) Error() string {
	first := e.Failures[0]
	return fmt.Sprintf("classification failed for %d page(s); page %s: %v",
		len(e.Failures), first.PageID, first.Err)
}

// Unwrap exposes the primary (first recorded) failure for errors.Is/As.
func (e *BatchError) Unwrap() error {
	return e.Failures[0].Err
}

type pageOutcome struct {
	pageID string
	result models.PageClassification
	err    error
}

// dispatchPages classifies the pending pages concurrently under the bounded
// worker pool. Workers hand their outcomes over a channel and this goroutine
// is the only one that touches the document, so no mutation needs a lock.
// A page failure never aborts its siblings: every submitted page yields
// exactly one result or one recorded failure.
//
// Returned results include degraded unclassified-with-error results;
// failures list the pages whose task errored outright.
func (s *ClassificationService) dispatchPages(ctx context.Context, doc *models.Document, pending map[string]*models.Page) ([]models.PageClassification, []PageFailure, models.Metering) {
	outcomes := make(chan pageOutcome, len(pending))

	var eg errgroup.Group
	eg.SetLimit(s.maxWorkers)
	for pageID, page := range pending {
		req := PageRequest{
			PageID:     pageID,
			TextURI:    page.ParsedTextURI,
			ImageURI:   page.ImageURI,
			RawTextURI: page.RawTextURI,
		}
		eg.Go(func() error {
			result, err := s.backend.ClassifyPage(ctx, req)
			outcomes <- pageOutcome{pageID: req.PageID, result: result, err: err}
			return nil
		})
	}
	_ = eg.Wait()
	close(outcomes)

	var results []models.PageClassification
	var failures []PageFailure
	metering := models.Metering{}

	for outcome := range outcomes {
		page := doc.Pages[outcome.pageID]
		if outcome.err != nil {
			slog.Error("Page classification task failed.",
				"documentId", doc.ID, "pageId", outcome.pageID, "error", outcome.err)
			doc.AppendError(fmt.Sprintf("Error classifying page %s: %v", outcome.pageID, outcome.err))
			failures = append(failures, PageFailure{PageID: outcome.pageID, Err: outcome.err})
			if page != nil {
				page.Classification = typeRetrySentinel
				page.Confidence = 0
			}
			continue
		}

		if outcome.result.Failed() {
			// A degraded unclassified result still counts as a failed page
			// for the batch: the caller should retry the document, and the
			// retry must skip only the pages that truly succeeded.
			doc.AppendError(fmt.Sprintf("Error classifying page %s: %s",
				outcome.pageID, outcome.result.Classification.Error))
			failures = append(failures, PageFailure{
				PageID: outcome.pageID,
				Err:    errors.New(outcome.result.Classification.Error),
			})
		}
		if page != nil {
			page.Classification = outcome.result.Classification.Type
			page.Confidence = outcome.result.Classification.Confidence
		}
		metering = metering.Merge(outcome.result.Classification.Metering)
		results = append(results, outcome.result)
	}

	return results, failures, metering
}
