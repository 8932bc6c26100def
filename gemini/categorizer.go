// Package gemini classifies free-text expenses with a Gemini text model.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/room4-2/VoiceLedger/ledger"
)

// Categorizer maps an expense description onto one ledger category.
type Categorizer struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewCategorizer creates a new Gemini client for categorization.
func NewCategorizer(ctx context.Context, apiKey, model string, logger *zap.Logger) (*Categorizer, error) {
	return newCategorizer(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}, model, logger)
}

func newCategorizer(ctx context.Context, cc *genai.ClientConfig, model string, logger *zap.Logger) (*Categorizer, error) {
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Categorizer{client: client, model: model, logger: logger}, nil
}

func prompt(description string) string {
	return fmt.Sprintf(
		"Classify this expense into exactly one of these categories: %s.\n"+
			"Reply with the category name only.\n\nExpense: %s",
		strings.Join(ledger.Categories, ", "), description)
}

// Categorize returns a member of ledger.Categories.
func (c *Categorizer) Categorize(ctx context.Context, description string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt(description)), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0),
		MaxOutputTokens: 16,
	})
	if err != nil {
		return "", fmt.Errorf("categorize expense: %w", err)
	}

	category := Normalize(resp.Text())
	c.logger.Debug("expense categorized",
		zap.String("description", description),
		zap.String("category", category))
	return category, nil
}

// Normalize matches model output against the known categories, falling
// back to "Other".
func Normalize(reply string) string {
	reply = strings.Trim(strings.TrimSpace(reply), ".\"'`*")
	for _, category := range ledger.Categories {
		if strings.EqualFold(reply, category) {
			return category
		}
	}
	lower := strings.ToLower(reply)
	for _, category := range ledger.Categories {
		if strings.Contains(lower, strings.ToLower(category)) {
			return category
		}
	}
	return "Other"
}
