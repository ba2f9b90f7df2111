package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mfleck/docclassflow/internal/models"
)

// holisticResponse is the structured payload the model is instructed to
// return for whole-document classification. Pointers distinguish an absent
// field from a legitimate zero.
type holisticResponse struct {
	Segments []holisticSegment `json:"segments"`
}

type holisticSegment struct {
	Start *int   `json:"ordinal_start_page"`
	End   *int   `json:"ordinal_end_page"`
	Type  string `json:"type"`
}

// classifyHolistic classifies the whole document in one model call: the
// concatenated page texts go in, page-range segments come out. A backend
// failure propagates to the caller so the invocation can be retried; a
// malformed response is terminal for this attempt since no per-page work
// exists to resume from.
func (s *ClassificationService) classifyHolistic(ctx context.Context, doc *models.Document) (*models.Document, error) {
	logCtx := slog.With("documentId", doc.ID)

	docText := s.buildDocumentText(ctx, doc, logCtx)
	content, err := s.builder.Build(ctx, s.taskPrompt, docText, formatClassTable(s.types), nil)
	if err != nil {
		logCtx.Error("Failed to build holistic prompt content.", "error", err)
		doc.AppendError(fmt.Sprintf("Failed to build classification content: %v", err))
		doc.Status = models.StatusFailed
		return doc, nil
	}

	responseText, metering, err := s.model.Invoke(ctx, content)
	doc.Metering = doc.Metering.Merge(metering)
	if err != nil {
		doc.AppendError(fmt.Sprintf("Holistic classification failed: %v", err))
		doc.Status = models.StatusFailed
		return doc, fmt.Errorf("holistic classification of document %s: %w", doc.ID, err)
	}

	segments, err := parseHolisticResponse(responseText)
	if err != nil {
		logCtx.Error("Unparseable holistic classification response.", "error", err)
		doc.AppendError(fmt.Sprintf("Unparseable holistic classification response: %v", err))
		doc.Status = models.StatusFailed
		return doc, nil
	}

	doc.Sections = s.sectionsFromSegments(doc, segments, logCtx)
	doc.Status = models.StatusClassified
	logCtx.Info("Document classified.",
		"pageCount", len(doc.Pages), "sectionCount", len(doc.Sections))
	return doc, nil
}

// buildDocumentText concatenates every page's text in page order, each
// wrapped with a page-number marker so the model can report ordinal ranges.
// A page whose text cannot be loaded contributes a placeholder instead of
// failing the document.
func (s *ClassificationService) buildDocumentText(ctx context.Context, doc *models.Document, logCtx *slog.Logger) string {
	var b strings.Builder
	for i, pageID := range doc.PageOrder() {
		page := doc.Pages[pageID]
		text := ""
		if page.ParsedTextURI != "" {
			loaded, err := s.store.GetText(ctx, page.ParsedTextURI)
			if err != nil {
				logCtx.Warn("Failed to load page text for holistic classification.",
					"pageId", pageID, "uri", page.ParsedTextURI, "error", err)
				text = fmt.Sprintf("[Error loading content for page %s]", pageID)
			} else {
				text = loaded
			}
		}
		fmt.Fprintf(&b, "<page-number>%d</page-number>\n%s\n\n", i+1, text)
	}
	return b.String()
}

func parseHolisticResponse(text string) ([]holisticSegment, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	var resp holisticResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	if len(resp.Segments) == 0 {
		return nil, fmt.Errorf("response contains no segments")
	}
	return resp.Segments, nil
}

// sectionsFromSegments maps the model's ordinal page ranges onto this
// document's actual page IDs and emits sections in segment order. Invalid
// segments are skipped with a warning, and a page already claimed by an
// earlier segment stays where it is.
func (s *ClassificationService) sectionsFromSegments(doc *models.Document, segments []holisticSegment, logCtx *slog.Logger) []models.Section {
	order := doc.PageOrder()
	claimed := make(map[string]bool, len(order))
	var sections []models.Section

	for i, seg := range segments {
		if seg.Start == nil || seg.End == nil || seg.Type == "" {
			logCtx.Warn("Skipping segment with missing fields.", "segment", i)
			continue
		}
		if !s.validTypes[strings.ToLower(seg.Type)] {
			logCtx.Warn("Segment type is not in the configured catalog, using anyway.",
				"segment", i, "type", seg.Type)
		}

		var pageIDs []string
		for ordinal := *seg.Start; ordinal <= *seg.End; ordinal++ {
			if ordinal < 1 || ordinal > len(order) {
				continue
			}
			pageID := order[ordinal-1]
			if claimed[pageID] {
				continue
			}
			claimed[pageID] = true
			pageIDs = append(pageIDs, pageID)
		}
		if len(pageIDs) == 0 {
			logCtx.Warn("Skipping segment with no resolvable pages.",
				"segment", i, "start", *seg.Start, "end", *seg.End)
			continue
		}

		for _, pageID := range pageIDs {
			doc.Pages[pageID].Classification = seg.Type
			doc.Pages[pageID].Confidence = 1.0
		}
		sections = append(sections, models.Section{
			ID:             strconv.Itoa(len(sections) + 1),
			Classification: seg.Type,
			Confidence:     1.0,
			PageIDs:        pageIDs,
		})
	}
	return sections
}
