package models

import (
	"sort"
	"strconv"
	"time"
)

// Status tracks a document's position in the processing pipeline.
type Status string

const (
	StatusQueued       Status = "QUEUED"
	StatusStarted      Status = "STARTED"
	StatusOCRCompleted Status = "OCR_COMPLETED"
	StatusClassified   Status = "CLASSIFIED"
	StatusExtracted    Status = "EXTRACTED"
	StatusProcessed    Status = "PROCESSED"
	StatusFailed       Status = "FAILED"
)

// Page is a single page of a document. The ingestion stage populates the
// content URIs; the classification stage fills in Classification and
// Confidence.
type Page struct {
	ImageURI       string  `json:"image_uri,omitempty" firestore:"imageUri,omitempty"`
	RawTextURI     string  `json:"raw_text_uri,omitempty" firestore:"rawTextUri,omitempty"`
	ParsedTextURI  string  `json:"parsed_text_uri,omitempty" firestore:"parsedTextUri,omitempty"`
	Classification string  `json:"classification,omitempty" firestore:"classification,omitempty"`
	Confidence     float64 `json:"confidence" firestore:"confidence"`
}

// Section is a maximal run of consecutive pages sharing one classification.
// Section IDs are sequential 1-based integers rendered as strings.
type Section struct {
	ID                  string   `json:"section_id" firestore:"sectionId"`
	Classification      string   `json:"classification" firestore:"classification"`
	Confidence          float64  `json:"confidence" firestore:"confidence"`
	PageIDs             []string `json:"page_ids" firestore:"pageIds"`
	ExtractionResultURI string   `json:"extraction_result_uri,omitempty" firestore:"extractionResultUri,omitempty"`
}

// Document is the envelope passed between pipeline stages. Each stage
// enriches it in place and hands it on; the JSON form is the interchange
// contract and must round-trip losslessly.
type Document struct {
	ID                  string            `json:"id" firestore:"id"`
	InputBucket         string            `json:"input_bucket,omitempty" firestore:"inputBucket,omitempty"`
	InputKey            string            `json:"input_key,omitempty" firestore:"inputKey,omitempty"`
	OutputBucket        string            `json:"output_bucket,omitempty" firestore:"outputBucket,omitempty"`
	Status              Status            `json:"status" firestore:"status"`
	WorkflowExecutionID string            `json:"workflow_execution_id,omitempty" firestore:"workflowExecutionId,omitempty"`
	QueuedAt            time.Time         `json:"queued_at,omitzero" firestore:"queuedAt,omitempty"`
	PageCount           int               `json:"page_count" firestore:"pageCount"`
	Pages               map[string]*Page  `json:"pages" firestore:"pages"`
	Sections            []Section         `json:"sections,omitempty" firestore:"sections,omitempty"`
	Metering            Metering          `json:"metering,omitempty" firestore:"metering,omitempty"`
	Errors              []string          `json:"errors,omitempty" firestore:"errors,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty" firestore:"metadata,omitempty"`
}

// PageOrder returns the document's page IDs in page order. Page IDs are
// numeric in the common case but not guaranteed; ordering falls back to a
// full lexicographic sort when any ID is non-numeric.
func (d *Document) PageOrder() []string {
	ids := make([]string, 0, len(d.Pages))
	for id := range d.Pages {
		ids = append(ids, id)
	}
	SortPageIDs(ids)
	return ids
}

// AppendError records a human-readable error on the document, skipping
// duplicates.
func (d *Document) AppendError(msg string) {
	for _, e := range d.Errors {
		if e == msg {
			return
		}
	}
	d.Errors = append(d.Errors, msg)
}

// SortPageIDs sorts page IDs in place, numerically when every ID parses as an
// integer and lexicographically otherwise. The comparison is chosen once for
// the whole slice so a single sort never mixes the two orders.
func SortPageIDs(ids []string) {
	numeric := make(map[string]int, len(ids))
	allNumeric := true
	for _, id := range ids {
		n, err := strconv.Atoi(id)
		if err != nil {
			allNumeric = false
			break
		}
		numeric[id] = n
	}

	if allNumeric {
		sort.Slice(ids, func(i, j int) bool { return numeric[ids[i]] < numeric[ids[j]] })
		return
	}
	sort.Strings(ids)
}
