package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

const (
	classifyTimeout     = 30 * time.Second
	classifyMaxTokens   = 100
	classifyTemperature = 0
	// Below this much recent text the deep check has nothing to judge.
	minClassifiableChars = 20
)

const classifierPrompt = `You are a session health monitor for an AI assistant that communicates with users via SMS. Analyze these recent assistant messages and determine if the session needs intervention.

FATAL means the session is broken and needs a restart:
- API errors baked into conversation context (image dimensions, context length, invalid content) that will repeat on every retry
- Authentication or billing errors
- Repeated identical errors with no progress between them (same error 2+ times)
- Session crashed mid-task and never sent the user a response - the user is left hanging with no reply
- Session is stuck in a loop doing the same thing repeatedly without making progress

HEALTHY means the session is operating normally:
- Rate limits (429) or server overload (529) - these are transient
- Tool execution failures where the assistant tries alternatives
- Normal error handling and recovery
- A single error followed by successful work
- Session is actively working on a task and making progress

Recent assistant messages (last 5 minutes):
%s

Respond with ONLY one of:
FATAL: <one-line reason>
HEALTHY`

// Classifier decides whether recent assistant output indicates an
// unrecoverable session.
type Classifier interface {
	Classify(ctx context.Context, recentText string) (reason string, fatal bool, err error)
}

// ModelClassifier asks a cheap chat model for the FATAL/HEALTHY call.
type ModelClassifier struct {
	client *openai.Client
	model  string
}

// ClassifierConfig points the deep check at a chat-completions
// endpoint and model.
type ClassifierConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

func NewModelClassifier(cfg ClassifierConfig) *ModelClassifier {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &ModelClassifier{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
	}
}

// Classify returns the diagnosis for recent assistant output. Too
// little text, or a HEALTHY verdict, yields fatal=false.
func (c *ModelClassifier) Classify(ctx context.Context, recentText string) (string, bool, error) {
	if len(strings.TrimSpace(recentText)) < minClassifiableChars {
		return "", false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   classifyMaxTokens,
		Temperature: classifyTemperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf(classifierPrompt, recentText),
			},
		},
	})
	if err != nil {
		return "", false, errors.Wrap(err, "classifier call failed")
	}
	if len(resp.Choices) == 0 {
		return "", false, errors.New("classifier returned no choices")
	}

	verdict := strings.TrimSpace(resp.Choices[0].Message.Content)
	if after, ok := strings.CutPrefix(verdict, "FATAL:"); ok {
		return strings.TrimSpace(after), true, nil
	}
	return "", false, nil
}
