// Package gemini adapts the multimodal captioning and embedding models.
// Captions come from a Vertex AI generative model prompted with a fixed
// markdown structure; embeddings come from the embedContent REST endpoint
// (the Vertex SDK exposes no embedding surface).
package gemini

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/googleapi"

	"github.com/vonshlovens/driveseer/internal/config"
	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/parser"
)

// CaptionSystemPrompt frames the model as an image indexer.
const CaptionSystemPrompt = "You are an image analyst producing rich, factual descriptions for a searchable photo index. Describe only what is visible. Never refuse; if an image is unclear, describe what can be seen."

// CaptionUserPrompt is the fixed markdown-structured prompt. The section
// headers are load-bearing: the parser locates them by name.
const CaptionUserPrompt = `Describe this image using exactly the following markdown sections:

## Subjects
The main people, animals or objects in the image.

## Actions
What the subjects are doing, if anything.

## Setting
The location, environment and time of day.

## Visual Attributes
Colors, lighting, composition, style, image quality.

## Visible Text (OCR)
Any readable text in the image, transcribed verbatim. Write "None" if there is none.

## Notable Details
Anything distinctive a person might search for.

## Search Keywords
A comma-separated list of 10-15 search keywords covering subjects, setting and style.`

// CaptionResult is a parsed caption plus its tags
type CaptionResult struct {
	Caption string
	Tags    []string
}

// Captioner prompts the multimodal model and parses its markdown response
type Captioner struct {
	model      *genai.GenerativeModel
	baseClient *genai.Client
}

// NewCaptioner creates a captioner holding a pre-configured model.
func NewCaptioner(ctx context.Context, cfg *config.GeminiConfig) (*Captioner, error) {
	if cfg.ProjectID == "" || cfg.Region == "" {
		return nil, fmt.Errorf("gemini: project_id and region must be set for captioning")
	}

	baseClient, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := baseClient.GenerativeModel(cfg.CaptionModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(CaptionSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.2),
	}
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &Captioner{model: model, baseClient: baseClient}, nil
}

// Close releases the underlying client.
func (c *Captioner) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// Caption sends the image bytes inline and parses the structured response.
func (c *Captioner) Caption(ctx context.Context, data []byte, mimeType string) (*CaptionResult, error) {
	imagePart := genai.Blob{MIMEType: mimeType, Data: data}
	prompt := genai.Text(CaptionUserPrompt)

	resp, err := c.model.GenerateContent(ctx, imagePart, prompt)
	if err != nil {
		return nil, translateModelError(err)
	}

	raw := extractText(resp)
	if raw == "" {
		return nil, domain.Transientf("captioning model returned no text")
	}

	parsed := parser.Parse(raw)
	return &CaptionResult{Caption: parsed.Caption, Tags: parsed.Tags}, nil
}

// extractText concatenates the text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return strings.TrimSpace(b.String())
}

// translateModelError maps model API failures onto the taxonomy. Credential
// rejections short-circuit batches; 5xx and timeouts retry via the queue.
func translateModelError(err error) error {
	var apiErr *googleapi.Error
	if ok := errAs(err, &apiErr); ok {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return fmt.Errorf("%w: %v", domain.ErrCredentialRejected, err)
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return domain.Transientf("captioning api %d: %v", apiErr.Code, err)
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection") {
		return domain.Transientf("captioning api: %v", err)
	}
	if strings.Contains(msg, "API key") || strings.Contains(msg, "credential") ||
		strings.Contains(msg, "PermissionDenied") || strings.Contains(msg, "Unauthenticated") {
		return fmt.Errorf("%w: %v", domain.ErrCredentialRejected, err)
	}
	return fmt.Errorf("captioning api: %w", err)
}
