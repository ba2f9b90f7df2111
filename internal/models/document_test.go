package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestSortPageIDs(t *testing.T) {
	t.Run("numeric order when all numeric", func(t *testing.T) {
		ids := []string{"10", "2", "1", "21"}
		SortPageIDs(ids)
		want := []string{"1", "2", "10", "21"}
		if !reflect.DeepEqual(ids, want) {
			t.Errorf("SortPageIDs = %v, want %v", ids, want)
		}
	})

	t.Run("lexicographic order when any non-numeric", func(t *testing.T) {
		ids := []string{"10", "2", "1", "page-3"}
		SortPageIDs(ids)
		want := []string{"1", "10", "2", "page-3"}
		if !reflect.DeepEqual(ids, want) {
			t.Errorf("SortPageIDs = %v, want %v", ids, want)
		}
	})

	t.Run("empty slice", func(t *testing.T) {
		var ids []string
		SortPageIDs(ids)
		if len(ids) != 0 {
			t.Errorf("SortPageIDs on empty = %v", ids)
		}
	})
}

func TestPageOrder(t *testing.T) {
	doc := &Document{Pages: map[string]*Page{
		"3": {}, "1": {}, "2": {}, "11": {},
	}}
	want := []string{"1", "2", "3", "11"}
	if got := doc.PageOrder(); !reflect.DeepEqual(got, want) {
		t.Errorf("PageOrder = %v, want %v", got, want)
	}
}

func TestAppendErrorDeduplicates(t *testing.T) {
	doc := &Document{}
	doc.AppendError("boom")
	doc.AppendError("boom")
	doc.AppendError("other")
	want := []string{"boom", "other"}
	if !reflect.DeepEqual(doc.Errors, want) {
		t.Errorf("Errors = %v, want %v", doc.Errors, want)
	}
}

func TestDocumentJSONRoundTrip(t *testing.T) {
	doc := Document{
		ID:                  "doc-1",
		InputBucket:         "in-bucket",
		InputKey:            "uploads/report.pdf",
		OutputBucket:        "out-bucket",
		Status:              StatusClassified,
		WorkflowExecutionID: "exec-42",
		QueuedAt:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		PageCount:           2,
		Pages: map[string]*Page{
			"1": {ImageURI: "gs://b/1.jpg", Classification: "invoice", Confidence: 1.0},
			"2": {ImageURI: "gs://b/2.jpg", Classification: "receipt", Confidence: 1.0},
		},
		Sections: []Section{
			{ID: "1", Classification: "invoice", Confidence: 1.0, PageIDs: []string{"1"}},
			{ID: "2", Classification: "receipt", Confidence: 1.0, PageIDs: []string{"2"}},
		},
		Metering: Metering{"model/generate": {"totalTokens": 120}},
		Errors:   []string{"page 2: slow response"},
		Metadata: map[string]string{"fileHash": "abc123"},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var got Document
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !reflect.DeepEqual(got, doc) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, doc)
	}
}

func TestMeteringMerge(t *testing.T) {
	t.Run("combines counters by service and key", func(t *testing.T) {
		a := Metering{"svc": {"tokens": 10, "calls": 1}}
		b := Metering{"svc": {"tokens": 5}, "other": {"calls": 2}}
		got := a.Merge(b)
		want := Metering{"svc": {"tokens": 15, "calls": 1}, "other": {"calls": 2}}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Merge = %v, want %v", got, want)
		}
	})

	t.Run("nil receiver", func(t *testing.T) {
		var m Metering
		got := m.Merge(Metering{"svc": {"calls": 1}})
		if got["svc"]["calls"] != 1 {
			t.Errorf("Merge on nil = %v", got)
		}
	})

	t.Run("nil argument", func(t *testing.T) {
		m := Metering{"svc": {"calls": 1}}
		got := m.Merge(nil)
		if got["svc"]["calls"] != 1 {
			t.Errorf("Merge with nil = %v", got)
		}
	})
}
