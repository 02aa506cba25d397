package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/user/agentfs/internal/types"
	"github.com/user/agentfs/pkg/llm"
)

// Generator asks an LLM for agent code.
type Generator struct {
	provider llm.Provider
	engine   *Engine
	logger   *slog.Logger
}

var _ types.Generator = (*Generator)(nil)

func NewGenerator(provider llm.Provider, engine *Engine, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{provider: provider, engine: engine, logger: logger.With("component", "generator")}
}

// Generate returns the program source extracted from the model reply.
func (g *Generator) Generate(ctx context.Context, req *types.GenerateRequest) (string, error) {
	messages, err := g.engine.BuildPrompt(req)
	if err != nil {
		return "", fmt.Errorf("build prompt: %w", err)
	}
	resp, err := g.provider.Complete(ctx, &llm.Request{Messages: messages})
	if err != nil {
		return "", fmt.Errorf("LLM call: %w", err)
	}
	g.logger.Info("code generated",
		"agent_id", string(req.AgentID),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	code, err := ExtractCode(resp.Content)
	if err != nil {
		return "", err
	}
	return code, nil
}

var fence = regexp.MustCompile("(?s)```(?:go|golang)?[ \t]*\r?\n(.*?)```")

// ErrNoCode is returned when a reply holds no usable program.
var ErrNoCode = errors.New("reply contains no go program")

// ExtractCode returns the first fenced block that declares a package, or
// the whole reply when it is bare source.
func ExtractCode(reply string) (string, error) {
	for _, m := range fence.FindAllStringSubmatch(reply, -1) {
		if strings.Contains(m[1], "package ") {
			return strings.TrimSpace(m[1]) + "\n", nil
		}
	}
	trimmed := strings.TrimSpace(reply)
	if strings.HasPrefix(trimmed, "package ") {
		return trimmed + "\n", nil
	}
	return "", ErrNoCode
}
