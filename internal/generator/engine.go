// Package generator turns a task into agent code with an LLM.
package generator

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/agentfs/internal/types"
	"github.com/user/agentfs/pkg/llm"
)

// PromptData feeds the system prompt template.
type PromptData struct {
	Time      string
	AgentID   string
	FileCount int
	Packages  string
}

// Engine assembles token-budgeted prompts.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	tmpl      *template.Template
	packages  []string
}

// New creates a prompt engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
// An empty promptTemplate selects DefaultPrompt.
func New(model string, maxTokens, reserve int, promptTemplate string, packages []string) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	if promptTemplate == "" {
		promptTemplate = DefaultPrompt
	}
	tmpl, err := template.New("system").Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	pkgs := append([]string(nil), packages...)
	sort.Strings(pkgs)
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		tmpl:      tmpl,
		packages:  pkgs,
	}, nil
}

func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// BuildPrompt returns the system prompt and a user message holding the
// task, the workspace file list and the contents of files the task names.
// The file list and contents are cut to fit the input budget; the task
// itself is never cut.
func (e *Engine) BuildPrompt(req *types.GenerateRequest) ([]llm.Message, error) {
	var sys bytes.Buffer
	err := e.tmpl.Execute(&sys, PromptData{
		Time:      time.Now().Format(time.RFC3339),
		AgentID:   string(req.AgentID),
		FileCount: len(req.Files),
		Packages:  strings.Join(e.packages, ", "),
	})
	if err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}

	remaining := e.maxTokens - e.reserve - e.countTokens(sys.String())
	var user strings.Builder
	user.WriteString("## Task\n\n")
	user.WriteString(strings.TrimSpace(req.Prompt))
	user.WriteString("\n")
	remaining -= e.countTokens(user.String())
	if remaining < 0 {
		return nil, fmt.Errorf("task does not fit the %d token budget", e.maxTokens-e.reserve)
	}

	// 30% for the file list, the rest for file contents.
	listBudget := remaining * 3 / 10
	listed, used := e.fileList(req.Files, listBudget)
	user.WriteString(listed)
	remaining -= used

	if req.Read != nil {
		user.WriteString(e.fileContents(req, remaining))
	}

	return []llm.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}, nil
}

func (e *Engine) fileList(files []string, budget int) (string, int) {
	if len(files) == 0 {
		return "\n## Workspace\n\n(empty)\n", 4
	}
	var b strings.Builder
	b.WriteString("\n## Workspace files\n\n")
	used := e.countTokens(b.String())
	for i, f := range files {
		line := "- " + f + "\n"
		n := e.countTokens(line)
		if used+n > budget {
			omitted := fmt.Sprintf("- ... %d more\n", len(files)-i)
			b.WriteString(omitted)
			used += e.countTokens(omitted)
			break
		}
		b.WriteString(line)
		used += n
	}
	return b.String(), used
}

// fileContents inlines files whose path appears in the task text.
func (e *Engine) fileContents(req *types.GenerateRequest, budget int) string {
	var b strings.Builder
	used := 0
	for _, f := range mentioned(req.Prompt, req.Files) {
		data, err := req.Read(f)
		if err != nil {
			continue
		}
		section := fmt.Sprintf("\n## %s\n\n```\n%s\n```\n", f, strings.TrimRight(string(data), "\n"))
		n := e.countTokens(section)
		if used+n > budget {
			continue
		}
		b.WriteString(section)
		used += n
	}
	return b.String()
}

// mentioned returns the files whose full path occurs in text, longest
// first so a nested path outranks its prefix.
func mentioned(text string, files []string) []string {
	var out []string
	for _, f := range files {
		if strings.Contains(text, f) {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}
