package services

import (
	"sort"
	"strconv"

	"github.com/mfleck/docclassflow/internal/models"
)

// sortResults orders page classification results by page ID using the same
// all-numeric-or-lexicographic rule as the document page order, so one sort
// never mixes the two comparisons.
func sortResults(results []models.PageClassification) []models.PageClassification {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.PageID
	}
	models.SortPageIDs(ids)

	rank := make(map[string]int, len(ids))
	for i, id := range ids {
		rank[id] = i
	}

	sorted := make([]models.PageClassification, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank[sorted[i].PageID] < rank[sorted[j].PageID]
	})
	return sorted
}

// groupIntoSections run-length encodes the sorted results into sections: a
// run of consecutive pages sharing one type becomes one section, so no two
// adjacent sections ever share a classification. Section IDs are sequential
// 1-based integers. Zero results yield zero sections.
func groupIntoSections(results []models.PageClassification) []models.Section {
	sorted := sortResults(results)
	var sections []models.Section
	if len(sorted) == 0 {
		return sections
	}

	currentType := sorted[0].Classification.Type
	currentPages := []string{sorted[0].PageID}

	closeRun := func() {
		sections = append(sections, models.Section{
			ID:             strconv.Itoa(len(sections) + 1),
			Classification: currentType,
			Confidence:     1.0,
			PageIDs:        currentPages,
		})
	}

	for _, result := range sorted[1:] {
		if result.Classification.Type == currentType {
			currentPages = append(currentPages, result.PageID)
			continue
		}
		closeRun()
		currentType = result.Classification.Type
		currentPages = []string{result.PageID}
	}
	closeRun()

	return sections
}
