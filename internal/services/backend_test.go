package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mfleck/docclassflow/internal/models"
)

func newTestModelBackend(store *fakeStore, invoker *fakeModel) *modelBackend {
	return &modelBackend{
		invoker:    invoker,
		store:      store,
		builder:    newContentBuilder(store, nil, ""),
		taskPrompt: "Classify {DOCUMENT_TEXT} against:\n{CLASS_NAMES_AND_DESCRIPTIONS}",
		classList:  "invoice  \t[ a bill ]\nreceipt  \t[ proof of payment ]",
		validTypes: map[string]bool{"invoice": true, "receipt": true},
	}
}

func TestModelBackendClassifyPage(t *testing.T) {
	ctx := context.Background()

	t.Run("classifies from structured response", func(t *testing.T) {
		store := &fakeStore{text: map[string]string{"gs://b/1.md": "total due: $100"}}
		invoker := &fakeModel{
			response: `{"class": "invoice"}`,
			metering: models.Metering{"model": {"totalTokens": 10}},
		}
		b := newTestModelBackend(store, invoker)

		got, err := b.ClassifyPage(ctx, PageRequest{PageID: "1", TextURI: "gs://b/1.md"})
		if err != nil {
			t.Fatalf("ClassifyPage error: %v", err)
		}
		if got.Classification.Type != "invoice" || got.Classification.Confidence != 1.0 {
			t.Errorf("classification = %+v", got.Classification)
		}
		if got.Classification.Metering["model"]["totalTokens"] != 10 {
			t.Errorf("metering not propagated: %v", got.Classification.Metering)
		}
	})

	t.Run("no loadable content degrades without invoking", func(t *testing.T) {
		store := &fakeStore{}
		invoker := &fakeModel{response: `{"class": "invoice"}`}
		b := newTestModelBackend(store, invoker)

		got, err := b.ClassifyPage(ctx, PageRequest{PageID: "1", TextURI: "gs://b/missing.md"})
		if err != nil {
			t.Fatalf("ClassifyPage error: %v", err)
		}
		if !got.Failed() || got.Classification.Type != models.TypeUnclassified {
			t.Errorf("result = %+v, want degraded unclassified", got)
		}
		if invoker.calls != 0 {
			t.Errorf("model invoked %d times, want 0", invoker.calls)
		}
	})

	t.Run("invoke error propagates", func(t *testing.T) {
		store := &fakeStore{text: map[string]string{"gs://b/1.md": "text"}}
		invoker := &fakeModel{err: errors.New("backend down")}
		b := newTestModelBackend(store, invoker)

		_, err := b.ClassifyPage(ctx, PageRequest{PageID: "1", TextURI: "gs://b/1.md"})
		if err == nil || !strings.Contains(err.Error(), "backend down") {
			t.Fatalf("err = %v, want wrapped invocation error", err)
		}
	})

	t.Run("type outside the catalog is accepted", func(t *testing.T) {
		store := &fakeStore{text: map[string]string{"gs://b/1.md": "text"}}
		invoker := &fakeModel{response: `{"class": "tax_form"}`}
		b := newTestModelBackend(store, invoker)

		got, err := b.ClassifyPage(ctx, PageRequest{PageID: "1", TextURI: "gs://b/1.md"})
		if err != nil {
			t.Fatalf("ClassifyPage error: %v", err)
		}
		if got.Classification.Type != "tax_form" {
			t.Errorf("type = %q, want tax_form", got.Classification.Type)
		}
	})

	t.Run("unparseable response defaults to unclassified", func(t *testing.T) {
		store := &fakeStore{text: map[string]string{"gs://b/1.md": "text"}}
		invoker := &fakeModel{response: "I am not sure."}
		b := newTestModelBackend(store, invoker)

		got, err := b.ClassifyPage(ctx, PageRequest{PageID: "1", TextURI: "gs://b/1.md"})
		if err != nil {
			t.Fatalf("ClassifyPage error: %v", err)
		}
		if got.Classification.Type != models.TypeUnclassified {
			t.Errorf("type = %q, want unclassified", got.Classification.Type)
		}
		if got.Failed() {
			t.Errorf("unparseable response should not mark the page failed")
		}
	})
}

func newTestEndpointBackend(invoker EndpointInvoker) *endpointBackend {
	return &endpointBackend{
		invoker:        invoker,
		maxAttempts:    endpointMaxAttempts,
		initialBackoff: time.Microsecond,
		maxBackoff:     time.Millisecond,
	}
}

func throttled() error {
	return status.Error(codes.ResourceExhausted, "quota exceeded")
}

func TestEndpointBackendClassifyPage(t *testing.T) {
	ctx := context.Background()
	req := PageRequest{PageID: "3", ImageURI: "gs://b/3.jpg", RawTextURI: "gs://b/3.json"}

	t.Run("succeeds after transient errors", func(t *testing.T) {
		endpoint := &fakeEndpoint{script: []endpointOutcome{
			{err: throttled()},
			{err: throttled()},
			{err: throttled()},
			{label: "invoice"},
		}}
		b := newTestEndpointBackend(endpoint)

		got, err := b.ClassifyPage(ctx, req)
		if err != nil {
			t.Fatalf("ClassifyPage error: %v", err)
		}
		if got.Classification.Type != "invoice" {
			t.Errorf("type = %q, want invoice", got.Classification.Type)
		}
		if got.Failed() {
			t.Errorf("result marked failed: %+v", got)
		}
		if endpoint.callCount() != 4 {
			t.Errorf("endpoint called %d times, want 4", endpoint.callCount())
		}
	})

	t.Run("exhausted retries degrade to unclassified", func(t *testing.T) {
		endpoint := &fakeEndpoint{script: []endpointOutcome{{err: throttled()}}}
		b := newTestEndpointBackend(endpoint)

		got, err := b.ClassifyPage(ctx, req)
		if err != nil {
			t.Fatalf("ClassifyPage error: %v", err)
		}
		if !got.Failed() || got.Classification.Type != models.TypeUnclassified {
			t.Errorf("result = %+v, want degraded unclassified", got)
		}
		if !strings.Contains(got.Classification.Error, "Max retries exceeded") {
			t.Errorf("error = %q", got.Classification.Error)
		}
		if endpoint.callCount() != endpointMaxAttempts {
			t.Errorf("endpoint called %d times, want %d", endpoint.callCount(), endpointMaxAttempts)
		}
	})

	t.Run("non-retryable error terminates immediately", func(t *testing.T) {
		endpoint := &fakeEndpoint{script: []endpointOutcome{
			{err: status.Error(codes.InvalidArgument, "bad payload")},
		}}
		b := newTestEndpointBackend(endpoint)

		got, err := b.ClassifyPage(ctx, req)
		if err != nil {
			t.Fatalf("ClassifyPage error: %v", err)
		}
		if !got.Failed() {
			t.Errorf("result = %+v, want degraded", got)
		}
		if endpoint.callCount() != 1 {
			t.Errorf("endpoint called %d times, want 1", endpoint.callCount())
		}
	})

	t.Run("missing content references degrade without calling", func(t *testing.T) {
		endpoint := &fakeEndpoint{script: []endpointOutcome{{label: "invoice"}}}
		b := newTestEndpointBackend(endpoint)

		got, err := b.ClassifyPage(ctx, PageRequest{PageID: "3"})
		if err != nil {
			t.Fatalf("ClassifyPage error: %v", err)
		}
		if !got.Failed() {
			t.Errorf("result = %+v, want degraded", got)
		}
		if endpoint.callCount() != 0 {
			t.Errorf("endpoint called %d times, want 0", endpoint.callCount())
		}
	})
}

func TestEndpointBackoffSchedule(t *testing.T) {
	b := &endpointBackend{
		maxAttempts:    endpointMaxAttempts,
		initialBackoff: 100 * time.Second,
		maxBackoff:     300 * time.Second,
	}
	schedule := b.backoff()

	var sleeps []time.Duration
	for {
		d, stop := schedule.Next()
		if stop {
			break
		}
		sleeps = append(sleeps, d)
	}

	if len(sleeps) != endpointMaxAttempts-1 {
		t.Fatalf("got %d sleeps, want %d", len(sleeps), endpointMaxAttempts-1)
	}
	for i, d := range sleeps {
		if d > 300*time.Second {
			t.Errorf("sleep %d = %v exceeds the cap", i, d)
		}
		if i > 0 && d < sleeps[i-1] {
			t.Errorf("sleep %d = %v decreased from %v", i, d, sleeps[i-1])
		}
	}
	if sleeps[0] != 100*time.Second {
		t.Errorf("first sleep = %v, want 100s", sleeps[0])
	}
	if last := sleeps[len(sleeps)-1]; last != 300*time.Second {
		t.Errorf("last sleep = %v, want capped at 300s", last)
	}
}

func TestIsThrottling(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"resource exhausted", status.Error(codes.ResourceExhausted, "x"), true},
		{"unavailable", status.Error(codes.Unavailable, "x"), true},
		{"aborted", status.Error(codes.Aborted, "x"), true},
		{"invalid argument", status.Error(codes.InvalidArgument, "x"), false},
		{"plain error", errors.New("x"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isThrottling(tc.err); got != tc.want {
				t.Errorf("isThrottling(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
