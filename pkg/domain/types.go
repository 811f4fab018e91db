package domain

import "time"

// Role identifies who authored a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PlanTier names a billing plan.
type PlanTier string

const (
	TierFree PlanTier = "free"
	TierPlus PlanTier = "plus"
	TierPro  PlanTier = "pro"
)

// UsageKind is one independently metered generation category.
type UsageKind string

const (
	KindText  UsageKind = "text"
	KindImage UsageKind = "image"
	KindVideo UsageKind = "video"
)

// ModelConfig declares one model served by a backend.
// Instances are immutable after registration; catalog enrichment produces
// replacement copies, never in-place mutation.
type ModelConfig struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Backend           string `json:"backend"`
	MaxTokens         int    `json:"maxTokens"`
	SupportsText      bool   `json:"supportsText"`
	SupportsStreaming bool   `json:"supportsStreaming"`
	SupportsFunctions bool   `json:"supportsFunctions"`
	SupportsImageIn   bool   `json:"supportsImageInput"`
	SupportsVideoIn   bool   `json:"supportsVideoInput"`
	SupportsImageGen  bool   `json:"supportsImageGeneration"`
	SupportsVideoGen  bool   `json:"supportsVideoGeneration"`
	GuestAllowed      bool   `json:"guestAllowed"`
	DemoAllowed       bool   `json:"demoAllowed"`
}

// ImageRef points at image content for a message: either a stored-image ID
// (ownership-checked at resolution time) or an inline payload.
type ImageRef struct {
	ID   string `json:"id,omitempty"`
	Data []byte `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// Inline reports whether the ref carries its payload directly.
func (r ImageRef) Inline() bool { return len(r.Data) > 0 }

// ToolCall is an assistant-requested tool invocation. Arguments is the raw
// JSON argument object exactly as the backend produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatMessage is the backend-agnostic message form. Ordering of a message
// list is significant and preserved verbatim through normalization.
//
// A user message may reference images through several historical shapes:
// Images (multi-image array), ImageIDs (id array), or the legacy single
// ImageID / InlineImage fields. The first populated form wins; the rest are
// ignored even when also set.
type ChatMessage struct {
	Role        Role       `json:"role"`
	Content     string     `json:"content,omitempty"`
	Images      []ImageRef `json:"images,omitempty"`
	ImageIDs    []string   `json:"imageIds,omitempty"`
	ImageID     string     `json:"imageId,omitempty"`
	InlineImage *ImageRef  `json:"inlineImage,omitempty"`
	ToolCalls   []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID  string     `json:"toolCallId,omitempty"`
}

// Usage is aggregated token accounting reported by a backend.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// StreamChunk is one element of a canonical response stream. Exactly one
// chunk per stream has Done set; only that chunk may carry Usage.
type StreamChunk struct {
	Content      string `json:"content"`
	Done         bool   `json:"done"`
	FinishReason string `json:"finishReason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// ChatResponse is the aggregated (non-streaming) completion result.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"toolCalls,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	Model        string     `json:"model"`
	FinishReason string     `json:"finishReason"`
}

// StoredImage is the metadata record for an object-storage image.
type StoredImage struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"ownerId"`
	StorageKey string            `json:"-"`
	MIME       string            `json:"mime"`
	SizeBytes  int64             `json:"sizeBytes"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Subscription is the externally owned billing state consulted by the meter.
type Subscription struct {
	UserID           string    `json:"userId"`
	Tier             PlanTier  `json:"tier"`
	Active           bool      `json:"active"`
	CurrentPeriodEnd time.Time `json:"currentPeriodEnd"`
}

// UsagePeriod holds per-kind counters for one (user, period) row.
type UsagePeriod struct {
	UserID      string    `json:"userId"`
	PeriodKey   string    `json:"periodKey"`
	TextCount   int       `json:"textCount"`
	ImageCount  int       `json:"imageCount"`
	VideoCount  int       `json:"videoCount"`
	LastResetAt time.Time `json:"lastResetAt"`
}

// Count returns the counter for a kind.
func (p UsagePeriod) Count(kind UsageKind) int {
	switch kind {
	case KindImage:
		return p.ImageCount
	case KindVideo:
		return p.VideoCount
	default:
		return p.TextCount
	}
}
