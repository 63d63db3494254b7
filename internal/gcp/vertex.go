package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/docanalysis/internal/models"
	"github.com/Lllllllleong/docanalysis/internal/services"
)

var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
}

// VertexClient hands out Gemini models configured per role.
type VertexClient struct {
	baseClient *genai.Client
	modelName  string
}

// NewVertexClient creates a client for the given project and region.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &VertexClient{baseClient: baseClient, modelName: modelName}, nil
}

func (c *VertexClient) model(systemPrompt string, jsonOutput bool) *genai.GenerativeModel {
	m := c.baseClient.GenerativeModel(c.modelName)
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}
	if jsonOutput {
		m.GenerationConfig.ResponseMIMEType = "application/json"
	}
	m.SafetySettings = safetySettings
	return m
}

// TextModel returns a services.TextModel bound to systemPrompt.
func (c *VertexClient) TextModel(systemPrompt string, jsonOutput bool) services.TextModel {
	return &vertexText{model: c.model(systemPrompt, jsonOutput)}
}

// VisionModel returns a services.VisionModel that reads images straight from gs:// URIs.
func (c *VertexClient) VisionModel(systemPrompt string) services.VisionModel {
	return &vertexVision{model: c.model(systemPrompt, false)}
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

type vertexText struct {
	model *genai.GenerativeModel
}

func (v *vertexText) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := v.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", models.NewExpensiveError("vertex.Generate", "failed to generate content from gemini", err)
	}
	return extractText(resp), nil
}

type vertexVision struct {
	model *genai.GenerativeModel
}

func (v *vertexVision) ExtractText(ctx context.Context, instruction string, images []services.ImageRef) (string, error) {
	parts := make([]genai.Part, 0, len(images)+1)
	for _, img := range images {
		mime := img.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, genai.FileData{MIMEType: mime, FileURI: img.Handle})
	}
	parts = append(parts, genai.Text(instruction))

	resp, err := v.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", models.NewExpensiveError("vertex.ExtractText", "failed to generate content from gemini", err)
	}
	return extractText(resp), nil
}

// extractText concatenates the text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	s := strings.TrimSpace(b.String())
	s = strings.TrimPrefix(s, "```markdown")
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
