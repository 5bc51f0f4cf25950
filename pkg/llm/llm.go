// Package llm defines the provider-agnostic request and response types
// that flow through the middleware. The shapes follow the OpenAI chat
// format so adapters for concrete providers stay thin.
package llm

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Part is a single content block inside a message. Text parts carry
// their text inline; other part types (images, audio) are carried
// opaquely and costed at a flat rate by the estimator.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// TextPart builds a plain text content block.
func TextPart(s string) Part {
	return Part{Type: "text", Text: s}
}

// Message is one turn of a conversation.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"content"`
	Name  string `json:"name,omitempty"`
}

// Text returns the concatenated text content of the message. Non-text
// parts contribute nothing.
func (m Message) Text() string {
	if len(m.Parts) == 1 && m.Parts[0].Type == "text" {
		return m.Parts[0].Text
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{TextPart(text)}}
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart(text)}}
}

// Tool describes a function the model may call. Parameters hold an
// arbitrary JSON schema and are never interpreted by the middleware
// beyond token counting.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Function struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

// Params is a chat completion request before provider dispatch.
type Params struct {
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	Tools     []Tool         `json:"tools,omitempty"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	User      string         `json:"user,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewParams builds a single-turn request from a plain prompt string.
func NewParams(model, prompt string) *Params {
	return &Params{Model: model, Messages: []Message{UserMessage(prompt)}}
}

// PromptText returns all text content of the request joined with
// newlines, in message order. Used for fingerprinting and analysis.
func (p *Params) PromptText() string {
	switch len(p.Messages) {
	case 0:
		return ""
	case 1:
		return p.Messages[0].Text()
	}
	var out string
	for i, m := range p.Messages {
		if i > 0 {
			out += "\n"
		}
		out += m.Text()
	}
	return out
}

// Clone deep-copies the request so transforms never mutate caller
// input. Tool parameter schemas are shared; they are read-only here.
func (p *Params) Clone() *Params {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Messages = make([]Message, len(p.Messages))
	for i, m := range p.Messages {
		cm := m
		cm.Parts = make([]Part, len(m.Parts))
		copy(cm.Parts, m.Parts)
		cp.Messages[i] = cm
	}
	if p.Tools != nil {
		cp.Tools = make([]Tool, len(p.Tools))
		copy(cp.Tools, p.Tools)
	}
	if p.Metadata != nil {
		cp.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Usage reports token consumption as returned by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the completed response for a request.
type Result struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Invoker performs the actual provider call. The middleware wraps an
// Invoker; it never talks to providers itself.
type Invoker func(ctx context.Context, params *Params) (*Result, error)
