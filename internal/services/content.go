package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mfleck/docclassflow/internal/config"
	"github.com/mfleck/docclassflow/internal/models"
)

// Prompt template placeholders. All three structural placeholders are
// optional; substitution placeholders are replaced wherever they occur.
const (
	placeholderFewShot = "{FEW_SHOT_EXAMPLES}"
	placeholderImage   = "{DOCUMENT_IMAGE}"
	keyDocumentText    = "DOCUMENT_TEXT"
	keyClassCatalog    = "CLASS_NAMES_AND_DESCRIPTIONS"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".tif", ".webp"}

// contentBuilder assembles the ordered content blocks for one model call
// from a prompt template, the page text, the class catalog and an optional
// page image, honoring the template's structural placeholders.
type contentBuilder struct {
	store        ObjectStore
	classes      []config.ClassConfig
	configBucket string
}

func newContentBuilder(store ObjectStore, classes []config.ClassConfig, configBucket string) *contentBuilder {
	return &contentBuilder{store: store, classes: classes, configBucket: configBucket}
}

// Build splits the template at the few-shot placeholder, renders both halves
// around the configured examples and returns the interleaved text and image
// blocks. A template without the placeholder (or with a malformed one that
// does not split into exactly two halves) is rendered as a single segment.
func (b *contentBuilder) Build(ctx context.Context, template, documentText, classCatalog string, image []byte) ([]models.ContentBlock, error) {
	parts := strings.Split(template, placeholderFewShot)
	if len(parts) != 2 {
		return b.buildSegment(template, documentText, classCatalog, image)
	}

	before, err := b.buildSegment(parts[0], documentText, classCatalog, image)
	if err != nil {
		return nil, err
	}
	after, err := b.buildSegment(parts[1], documentText, classCatalog, image)
	if err != nil {
		return nil, err
	}
	examples, err := b.fewShotBlocks(ctx)
	if err != nil {
		return nil, err
	}

	content := make([]models.ContentBlock, 0, len(before)+len(examples)+len(after))
	content = append(content, before...)
	content = append(content, examples...)
	content = append(content, after...)
	return content, nil
}

// buildSegment renders one template segment, inserting the image at the
// image placeholder's position. Without the placeholder the image is dropped
// entirely, never appended: a template that doesn't ask for the image
// doesn't get it.
func (b *contentBuilder) buildSegment(segment, documentText, classCatalog string, image []byte) ([]models.ContentBlock, error) {
	subs := map[string]string{
		keyDocumentText: documentText,
		keyClassCatalog: classCatalog,
	}

	parts := strings.Split(segment, placeholderImage)
	if len(parts) == 1 {
		text, err := formatPrompt(segment, subs, nil)
		if err != nil {
			return nil, err
		}
		return []models.ContentBlock{models.TextBlock(text)}, nil
	}
	if len(parts) != 2 {
		slog.Warn("Invalid image placeholder usage, falling back to text-only processing.")
		text, err := formatPrompt(strings.ReplaceAll(segment, placeholderImage, ""), subs, nil)
		if err != nil {
			return nil, err
		}
		return []models.ContentBlock{models.TextBlock(text)}, nil
	}

	before, err := formatPrompt(parts[0], subs, nil)
	if err != nil {
		return nil, err
	}
	after, err := formatPrompt(parts[1], subs, nil)
	if err != nil {
		return nil, err
	}

	var content []models.ContentBlock
	if strings.TrimSpace(before) != "" {
		content = append(content, models.TextBlock(before))
	}
	if image != nil {
		content = append(content, models.ImageBlock(image, detectImageMIME(image)))
	}
	if strings.TrimSpace(after) != "" {
		content = append(content, models.TextBlock(after))
	}
	return content, nil
}

// fewShotBlocks renders the configured few-shot examples: one text block per
// example prompt, followed by the images its path resolves to. Examples
// without a prompt are skipped; an unresolvable image path is a
// configuration error, but an individual image that fails to load is only
// logged and skipped.
func (b *contentBuilder) fewShotBlocks(ctx context.Context) ([]models.ContentBlock, error) {
	var content []models.ContentBlock
	for _, class := range b.classes {
		for _, example := range class.Examples {
			if strings.TrimSpace(example.ClassPrompt) == "" {
				slog.Info("Skipping example with empty classPrompt.", "example", example.Name)
				continue
			}
			content = append(content, models.TextBlock(example.ClassPrompt))

			if example.ImagePath == "" {
				continue
			}
			refs, err := b.exampleImageRefs(ctx, example.ImagePath)
			if err != nil {
				return nil, fmt.Errorf("failed to load example images from %s: %w", example.ImagePath, err)
			}
			for _, ref := range refs {
				data, err := b.loadImage(ctx, ref)
				if err != nil {
					slog.Warn("Failed to load example image, skipping.", "ref", ref, "error", err)
					continue
				}
				content = append(content, models.ImageBlock(data, detectImageMIME(data)))
			}
		}
	}
	return content, nil
}

// exampleImageRefs resolves an example image path to zero or more concrete
// references, sorted by name. The path may be a gs:// object or prefix, a
// path relative to the configuration bucket, or a local file or directory.
func (b *contentBuilder) exampleImageRefs(ctx context.Context, imagePath string) ([]string, error) {
	if strings.HasPrefix(imagePath, "gs://") {
		return b.listImageURIs(ctx, imagePath)
	}
	if b.configBucket != "" {
		return b.listImageURIs(ctx, fmt.Sprintf("gs://%s/%s", b.configBucket, imagePath))
	}

	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, fmt.Errorf("example image path does not exist: %s", imagePath)
	}
	if !info.IsDir() {
		return []string{imagePath}, nil
	}
	entries, err := os.ReadDir(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read example image directory %s: %w", imagePath, err)
	}
	var refs []string
	for _, entry := range entries {
		if !entry.IsDir() && isImageFile(entry.Name()) {
			refs = append(refs, filepath.Join(imagePath, entry.Name()))
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (b *contentBuilder) listImageURIs(ctx context.Context, uri string) ([]string, error) {
	if isImageFile(uri) {
		return []string{uri}, nil
	}
	uris, err := b.store.List(ctx, uri)
	if err != nil {
		return nil, err
	}
	var images []string
	for _, u := range uris {
		if isImageFile(u) {
			images = append(images, u)
		}
	}
	return images, nil
}

func (b *contentBuilder) loadImage(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "gs://") {
		return b.store.GetBinary(ctx, ref)
	}
	return os.ReadFile(ref)
}

func isImageFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// formatPrompt replaces {KEY} placeholders in the template with the given
// substitutions. Required placeholders must be present in the template;
// substitution keys the template doesn't use are ignored.
func formatPrompt(template string, subs map[string]string, required []string) (string, error) {
	for _, name := range required {
		if !strings.Contains(template, "{"+name+"}") {
			return "", fmt.Errorf("prompt template is missing required placeholder {%s}", name)
		}
	}
	out := template
	for key, value := range subs {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out, nil
}
