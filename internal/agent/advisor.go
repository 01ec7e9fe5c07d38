package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/trading-arena/internal/exchange"
	"github.com/Rajchodisetti/trading-arena/internal/observ"
	"github.com/Rajchodisetti/trading-arena/internal/store"
)

// Action is one tool call requested by the advisor.
type Action struct {
	Kind       store.SubEventKind
	Symbol     string
	Side       string
	Confidence float64
}

// Executor carries out actions on behalf of the advisor and reports the
// outcome back as text.
type Executor interface {
	Execute(ctx context.Context, a Action) (string, error)
}

// Advisor decides what to do with a snapshot. It may call exec any number
// of times and returns its final text response.
type Advisor interface {
	Advise(ctx context.Context, model string, snap Snapshot, exec Executor) (string, error)
}

const systemInstructions = `You are an expert crypto trader managing a leveraged perpetuals account.
You can open positions in BTC, ETH and SOL, each with up to 10x leverage.
Only one position can be opened per call to create_position.
Positions cannot be edited or closed individually: close_all_positions closes every open position at once.
To keep one position while closing others, close all and reopen the one you want.
Only open a position when the available cash covers its initial margin.
Report a confidence between 0 and 1 with every new position; it scales the position size.
Finish with a short explanation of your reasoning.`

const (
	toolCreatePosition = "create_position"
	toolCloseAll       = "close_all_positions"
	maxTurns           = 4
)

type ClaudeConfig struct {
	APIKey            string
	MaxTokens         int
	RequestsPerMinute int
	Instructions      string // replaces the default system prompt when set
	DefaultModel      string // used for tenants without a model name
	Logger            *log.Logger
}

// ClaudeAdvisor runs a short tool-use conversation with Claude.
type ClaudeAdvisor struct {
	client       anthropic.Client
	maxTokens    int64
	limiter      *rate.Limiter
	instructions string
	defaultModel string
	logger       *log.Logger
}

func NewClaudeAdvisor(cfg ClaudeConfig, opts ...option.RequestOption) (*ClaudeAdvisor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.Instructions == "" {
		cfg.Instructions = systemInstructions
	}
	opts = append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	return &ClaudeAdvisor{
		client:       anthropic.NewClient(opts...),
		maxTokens:    int64(cfg.MaxTokens),
		limiter:      rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), 1),
		instructions: cfg.Instructions,
		defaultModel: cfg.DefaultModel,
		logger:       observ.OrDiscard(cfg.Logger),
	}, nil
}

func tools() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{
		{OfTool: &anthropic.ToolParam{
			Name:        toolCreatePosition,
			Description: anthropic.String("Open a position in the given market. The confidence scales the position size."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"symbol": map[string]any{
						"type":        "string",
						"enum":        exchange.Symbols(),
						"description": "Market to open the position in",
					},
					"side": map[string]any{
						"type": "string",
						"enum": []string{"LONG", "SHORT"},
					},
					"confidence": map[string]any{
						"type":        "number",
						"minimum":     0,
						"maximum":     1,
						"description": "Confidence from 0.0 to 1.0, used to size the position",
					},
				},
				Required: []string{"symbol", "side", "confidence"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        toolCloseAll,
			Description: anthropic.String("Close all currently open positions"),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: map[string]any{}},
		}},
	}
}

func (a *ClaudeAdvisor) Advise(ctx context.Context, model string, snap Snapshot, exec Executor) (string, error) {
	if model == "" {
		model = a.defaultModel
	}
	if model == "" {
		return "", errors.New("no model configured")
	}
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(snap.Prompt())),
	}

	var final strings.Builder
	for turn := 0; turn < maxTurns; turn++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("advisor rate limit: %w", err)
		}
		resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: a.maxTokens,
			System:    []anthropic.TextBlockParam{{Text: a.instructions}},
			Messages:  messages,
			Tools:     tools(),
		})
		if err != nil {
			observ.IncCounter("advisor_requests_total", map[string]string{"result": "error"})
			return "", fmt.Errorf("claude request: %w", err)
		}
		observ.IncCounter("advisor_requests_total", map[string]string{"result": "ok"})

		var results []anthropic.ContentBlockParamUnion
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				final.WriteString(block.Text)
			case "tool_use":
				out, isErr := a.runTool(ctx, exec, block.Name, block.Input)
				results = append(results, anthropic.NewToolResultBlock(block.ID, out, isErr))
			}
		}
		if len(results) == 0 || string(resp.StopReason) != "tool_use" {
			return strings.TrimSpace(final.String()), nil
		}
		messages = append(messages, resp.ToParam(), anthropic.NewUserMessage(results...))
	}
	a.logger.Printf("advisor stopped after %d turns", maxTurns)
	return strings.TrimSpace(final.String()), nil
}

func (a *ClaudeAdvisor) runTool(ctx context.Context, exec Executor, name string, input json.RawMessage) (string, bool) {
	action, err := parseAction(name, input)
	if err != nil {
		return err.Error(), true
	}
	out, err := exec.Execute(ctx, action)
	if err != nil {
		return err.Error(), true
	}
	return out, false
}

func parseAction(name string, input json.RawMessage) (Action, error) {
	switch name {
	case toolCreatePosition:
		var in struct {
			Symbol     string  `json:"symbol"`
			Side       string  `json:"side"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return Action{}, fmt.Errorf("invalid %s input: %w", name, err)
		}
		return Action{Kind: store.SubEventCreatePosition, Symbol: in.Symbol, Side: in.Side, Confidence: in.Confidence}, nil
	case toolCloseAll:
		return Action{Kind: store.SubEventCloseAllPositions}, nil
	default:
		return Action{}, fmt.Errorf("unknown tool %q", name)
	}
}
