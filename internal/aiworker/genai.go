package aiworker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"taskhost/pkg/logx"
)

const DefaultModel = "gemini-2.5-flash"

type GenAIConfig struct {
	APIKey          string
	Model           string
	Temperature     *float64
	MaxOutputTokens int
	Timeout         time.Duration
}

// GenAI evaluates conversations with Google's Gemini API.
type GenAI struct {
	client *genai.Client
	model  string
	gen    genai.GenerateContentConfig
	to     time.Duration
	log    logx.Logger
}

func NewGenAI(ctx context.Context, cfg GenAIConfig, log logx.Logger) (*GenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("genai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: create client: %w", err)
	}

	g := &GenAI{
		client: client,
		model:  cfg.Model,
		to:     cfg.Timeout,
		log:    log.With(logx.String("comp", "aiworker"), logx.String("model", cfg.Model)),
	}
	if cfg.Temperature != nil {
		g.gen.Temperature = genai.Ptr(float32(*cfg.Temperature))
	}
	if cfg.MaxOutputTokens > 0 {
		g.gen.MaxOutputTokens = int32(cfg.MaxOutputTokens)
	}
	return g, nil
}

func (g *GenAI) Name() string { return "genai:" + g.model }

// Eval sends system messages as the system instruction and the rest as turns.
func (g *GenAI) Eval(ctx context.Context, messages []Message) (Message, error) {
	if err := ValidateMessages(messages); err != nil {
		return Message{}, err
	}
	if g.to > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.to)
		defer cancel()
	}

	contents, system := toContents(messages)
	cfg := g.gen
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(contents) == 0 {
		// Gemini needs at least one turn.
		contents = []*genai.Content{genai.NewContentFromText(system, genai.RoleUser)}
		cfg.SystemInstruction = nil
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &cfg)
	if err != nil {
		return Message{}, fmt.Errorf("genai generate: %w", err)
	}
	text := resp.Text()
	g.log.Debug("llm.eval", logx.Int("turns", len(contents)), logx.Int("chars", len(text)), logx.Duration("took", time.Since(start)))
	if strings.TrimSpace(text) == "" {
		return Message{}, errors.New("genai: empty response")
	}
	return Message{Role: "assistant", Content: text}, nil
}

func toContents(messages []Message) ([]*genai.Content, string) {
	var (
		contents []*genai.Content
		system   []string
	)
	for _, m := range messages {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			system = append(system, m.Content)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, strings.Join(system, "\n\n")
}
