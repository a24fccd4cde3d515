package bridge

import "time"

// Role is the speaker role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of a conversation, in the gateway's
// chat-completion wire format.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Sampling holds the optional sampling parameters of a request. Nil fields
// are omitted from the request body. Extra carries gateway parameters that
// have no dedicated field; its entries are set verbatim on the JSON body and
// win over the typed fields on path collision.
type Sampling struct {
	Temperature       *float64
	MaxTokens         *int
	TopP              *float64
	TopK              *int
	FrequencyPenalty  *float64
	PresencePenalty   *float64
	RepetitionPenalty *float64
	MinP              *float64
	TopA              *float64
	Seed              *int
	Stop              []string
	Extra             map[string]any
}

// Request describes one model invocation. It is created once per send and
// never mutated; retries reuse the same value.
type Request struct {
	// APIKey is the opaque bearer token for the gateway.
	APIKey string
	// BaseURL defaults to the public gateway URL when empty.
	BaseURL string
	// Model is the gateway model identifier, e.g. "anthropic/claude-3.5-haiku".
	Model string
	// Messages is the ordered conversation to send.
	Messages []Message
	Params   Sampling
	// IdleTimeout overrides the stall window for this stream. Zero selects
	// the per-model default.
	IdleTimeout time.Duration
	// TraceID correlates log entries across all streams of one send.
	TraceID string
	// DebugPath writes JSONL debug records (request/frame/event) when set.
	DebugPath string
}

// Float returns a pointer to f, for Sampling literals.
func Float(f float64) *float64 { return &f }

// Int returns a pointer to n, for Sampling literals.
func Int(n int) *int { return &n }
