package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/mfleck/docclassflow/internal/models"
)

// fakeStore serves text and binary content from in-memory maps. A missing
// key is a read error, mirroring a missing object.
type fakeStore struct {
	text    map[string]string
	binary  map[string][]byte
	listing map[string][]string
}

func (f *fakeStore) GetText(ctx context.Context, uri string) (string, error) {
	if content, ok := f.text[uri]; ok {
		return content, nil
	}
	return "", fmt.Errorf("object not found: %s", uri)
}

func (f *fakeStore) GetBinary(ctx context.Context, uri string) ([]byte, error) {
	if content, ok := f.binary[uri]; ok {
		return content, nil
	}
	return nil, fmt.Errorf("object not found: %s", uri)
}

func (f *fakeStore) List(ctx context.Context, prefixURI string) ([]string, error) {
	if uris, ok := f.listing[prefixURI]; ok {
		return uris, nil
	}
	return nil, nil
}

// fakeModel returns a scripted response and records the content it was
// invoked with.
type fakeModel struct {
	response string
	metering models.Metering
	err      error

	mu      sync.Mutex
	calls   int
	content [][]models.ContentBlock
}

func (f *fakeModel) Invoke(ctx context.Context, blocks []models.ContentBlock) (string, models.Metering, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.content = append(f.content, blocks)
	if f.err != nil {
		return "", nil, f.err
	}
	return f.response, f.metering, nil
}

// fakeEndpoint pops one scripted outcome per call; once the script is
// exhausted it keeps returning the last entry.
type fakeEndpoint struct {
	mu     sync.Mutex
	script []endpointOutcome
	calls  int
}

type endpointOutcome struct {
	label string
	err   error
}

func (f *fakeEndpoint) Predict(ctx context.Context, imageURI, rawTextURI string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	i := f.calls - 1
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	out := f.script[i]
	return out.label, out.err
}

func (f *fakeEndpoint) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeCache is an in-memory ResultCache that records writes.
type fakeCache struct {
	entries map[string][]models.PageClassification
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]models.PageClassification{}}
}

func (f *fakeCache) Get(ctx context.Context, doc *models.Document) map[string]models.PageClassification {
	byPage := map[string]models.PageClassification{}
	for _, r := range f.entries[cacheKey(doc)] {
		byPage[r.PageID] = r
	}
	return byPage
}

func (f *fakeCache) Put(ctx context.Context, doc *models.Document, results []models.PageClassification) {
	successful := make([]models.PageClassification, 0, len(results))
	for _, r := range results {
		if !r.Failed() {
			successful = append(successful, r)
		}
	}
	if len(successful) == 0 {
		return
	}
	f.puts++
	f.entries[cacheKey(doc)] = successful
}

// countingBackend classifies every page with a fixed type and counts calls.
type countingBackend struct {
	mu       sync.Mutex
	calls    int
	docType  string
	failPage string
	failErr  error
}

func (b *countingBackend) ClassifyPage(ctx context.Context, req PageRequest) (models.PageClassification, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if req.PageID == b.failPage && b.failErr != nil {
		return models.PageClassification{}, b.failErr
	}
	return models.PageClassification{
		PageID: req.PageID,
		Classification: models.DocumentClassification{
			Type:       b.docType,
			Confidence: 1.0,
		},
		ImageURI:   req.ImageURI,
		TextURI:    req.TextURI,
		RawTextURI: req.RawTextURI,
	}, nil
}

func (b *countingBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
