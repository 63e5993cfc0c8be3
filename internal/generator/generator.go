// Package generator talks to the language model that writes code.
package generator

import "context"

// DefaultSystemPrompt is the instruction sent ahead of every prompt.
const DefaultSystemPrompt = `You are a Python code generator. RULES:
- Output ONLY valid Python code that runs immediately when pasted into Python interpreter
- NO ` + "```" + ` markdown fences, NO # comments, NO explanations
- Include function definition + test call + print(result)
EVERY response MUST be directly executable Python ONLY.`

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat completion call.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Response struct {
	Text             string
	Model            string
	FinishReason     string
	PromptTokens     int64
	CompletionTokens int64
}

// Generator produces text for an ordered list of role-tagged messages.
// Failures of the backend itself are reported as *BackendError.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Prompt builds the two-message conversation used for code generation.
func Prompt(system, user string) []Message {
	if system == "" {
		system = DefaultSystemPrompt
	}
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}
}
