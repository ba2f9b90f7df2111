package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/mfleck/docclassflow/internal/models"
)

// MeterGenerateContent is the metering key for generative model invocations.
const MeterGenerateContent = "classification/vertexai/generateContent"

// ModelConfig carries the generation parameters for the classification
// model. The system prompt and model identifier are required; they are
// validated here so a misconfigured function fails at initialization.
type ModelConfig struct {
	Model           string
	SystemPrompt    string
	Temperature     float32
	TopK            int32
	TopP            float32
	MaxOutputTokens int32
}

// VertexModel is a generative model pre-configured for classification.
// Invocations carry no built-in retry: transient failures propagate to the
// caller, which decides whether the whole document attempt is retried.
type VertexModel struct {
	model      *genai.GenerativeModel
	baseClient *genai.Client
}

// NewVertexModel creates a client holding the configured classification model.
func NewVertexModel(ctx context.Context, projectID, region string, cfg ModelConfig) (*VertexModel, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexModel: projectID and region cannot be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("NewVertexModel: no model specified in classification configuration")
	}
	if cfg.SystemPrompt == "" {
		return nil, fmt.Errorf("NewVertexModel: no systemPrompt found in classification configuration")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := baseClient.GenerativeModel(cfg.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(cfg.SystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr(cfg.Temperature),
		TopK:        genai.Ptr(cfg.TopK),
		TopP:        genai.Ptr(cfg.TopP),
	}
	if cfg.MaxOutputTokens > 0 {
		model.GenerationConfig.MaxOutputTokens = genai.Ptr(cfg.MaxOutputTokens)
	}

	return &VertexModel{model: model, baseClient: baseClient}, nil
}

// Invoke sends the ordered content blocks to the model and returns the
// generated text plus the usage counters for this call.
func (m *VertexModel) Invoke(ctx context.Context, blocks []models.ContentBlock) (string, models.Metering, error) {
	parts := make([]genai.Part, 0, len(blocks))
	for _, block := range blocks {
		if block.ImageData != nil {
			parts = append(parts, genai.Blob{MIMEType: block.ImageMIME, Data: block.ImageData})
			continue
		}
		parts = append(parts, genai.Text(block.Text))
	}

	resp, err := m.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate content from model: %w", err)
	}

	return extractText(resp), usageMetering(resp), nil
}

// Close releases the underlying client.
func (m *VertexModel) Close() error {
	if m.baseClient != nil {
		return m.baseClient.Close()
	}
	return nil
}

// extractText concatenates all text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(sb.String())
}

func usageMetering(resp *genai.GenerateContentResponse) models.Metering {
	counters := map[string]int64{"invocations": 1}
	if resp != nil && resp.UsageMetadata != nil {
		counters["promptTokens"] = int64(resp.UsageMetadata.PromptTokenCount)
		counters["candidateTokens"] = int64(resp.UsageMetadata.CandidatesTokenCount)
		counters["totalTokens"] = int64(resp.UsageMetadata.TotalTokenCount)
	}
	return models.Metering{MeterGenerateContent: counters}
}
