package models

// DocumentType is one entry of the class catalog the backend chooses from.
type DocumentType struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// TypeUnclassified is the fallback classification used when a backend cannot
// produce a usable type for a page.
const TypeUnclassified = "unclassified"

// DocumentClassification is a single predicted type with its confidence and
// the usage incurred producing it. Error carries the failure reason when the
// backend degraded to an unclassified result instead of failing the page.
type DocumentClassification struct {
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	Metering   Metering `json:"metering,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// PageClassification is the unit of work exchanged between the page
// dispatcher, the result cache and the section reducer. It is transient and
// never persisted on the Document itself.
type PageClassification struct {
	PageID         string                 `json:"page_id"`
	Classification DocumentClassification `json:"classification"`
	ImageURI       string                 `json:"image_uri,omitempty"`
	TextURI        string                 `json:"text_uri,omitempty"`
	RawTextURI     string                 `json:"raw_text_uri,omitempty"`
}

// Failed reports whether this result is a degraded unclassified-with-error
// result. Failed results are surfaced on the document's error list and are
// excluded from the retry cache.
func (p PageClassification) Failed() bool {
	return p.Classification.Error != ""
}

// Unclassified builds a degraded result for a page whose classification could
// not be completed, carrying the failure reason.
func Unclassified(pageID, imageURI, textURI, rawTextURI, reason string) PageClassification {
	return PageClassification{
		PageID: pageID,
		Classification: DocumentClassification{
			Type:       TypeUnclassified,
			Confidence: 0,
			Error:      reason,
		},
		ImageURI:   imageURI,
		TextURI:    textURI,
		RawTextURI: rawTextURI,
	}
}

// ContentBlock is one entry of the ordered input sent to the generative
// backend: either a text segment or an inline image, never both.
type ContentBlock struct {
	Text      string
	ImageData []byte
	ImageMIME string
}

// TextBlock wraps a text segment as a content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Text: text}
}

// ImageBlock wraps raw image bytes as a content block.
func ImageBlock(data []byte, mime string) ContentBlock {
	return ContentBlock{ImageData: data, ImageMIME: mime}
}
