package oracle

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"kairos/internal/models"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

// Low temperature keeps placements deterministic.
const geminiTemperature float32 = 0.1

var scheduleSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"schedule": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"title":     {Type: genai.TypeString},
					"start":     {Type: genai.TypeString, Description: "ISO 8601 start with UTC offset"},
					"end":       {Type: genai.TypeString, Description: "ISO 8601 end with UTC offset"},
					"type":      {Type: genai.TypeString, Enum: []string{models.ItemEvent, models.ItemTask}},
					"reasoning": {Type: genai.TypeString},
				},
				Required: []string{"title", "start", "end", "type"},
			},
		},
	},
	Required: []string{"schedule"},
}

// Gemini is an Oracle backed by the Gemini API. Configuration is fixed at
// construction.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini oracle.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Generate implements Oracle.
func (g *Gemini) Generate(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(geminiTemperature),
		ResponseMIMEType: "application/json",
		ResponseSchema:   scheduleSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrOracleFailure, err)
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("%w: empty response from %s", models.ErrOracleFailure, g.model)
	}
	return []byte(text), nil
}
