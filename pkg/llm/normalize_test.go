package llm

import (
	"errors"
	"testing"

	"modelgate/pkg/domain"
)

func TestOpenAINormalizeRolesAndOrder(t *testing.T) {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "be brief"},
		{Role: domain.RoleUser, Content: "hello"},
		{Role: domain.RoleAssistant, Content: "hi", ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "calc", Arguments: `{"a":1}`},
		}},
		{Role: domain.RoleTool, ToolCallID: "call_1", Content: "2"},
	}
	out, err := openaiMessagesFrom(messages)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 wire messages, got %d", len(out))
	}
	roles := []string{"system", "user", "assistant", "tool"}
	for i, want := range roles {
		if out[i].Role != want {
			t.Fatalf("message %d role = %q, want %q", i, out[i].Role, want)
		}
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "calc" {
		t.Fatalf("assistant tool call not preserved: %+v", out[2].ToolCalls)
	}
	if out[3].ToolCallID != "call_1" {
		t.Fatalf("tool result call id = %q", out[3].ToolCallID)
	}
}

func TestOpenAINormalizeEmptyUserGetsPlaceholder(t *testing.T) {
	out, err := openaiMessagesFrom([]domain.ChatMessage{{Role: domain.RoleUser}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out[0].Content != emptyUserPlaceholder {
		t.Fatalf("empty user content = %v, want placeholder", out[0].Content)
	}
}

func TestOpenAINormalizeMalformedToolArgsFails(t *testing.T) {
	_, err := openaiMessagesFrom([]domain.ChatMessage{
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "calc", Arguments: `{"a":`},
		}},
	})
	if !errors.Is(err, ErrMalformedToolCall) {
		t.Fatalf("expected ErrMalformedToolCall, got %v", err)
	}
}

func TestOpenAINormalizeToolResultRequiresCallID(t *testing.T) {
	_, err := openaiMessagesFrom([]domain.ChatMessage{
		{Role: domain.RoleTool, Content: "result"},
	})
	if !errors.Is(err, ErrMissingToolCallID) {
		t.Fatalf("expected ErrMissingToolCallID, got %v", err)
	}
}

func TestOpenAINormalizeUnknownRoleCoercesToEmptyUser(t *testing.T) {
	out, err := openaiMessagesFrom([]domain.ChatMessage{
		{Role: domain.Role("moderator"), Content: "ignored"},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out[0].Role != "user" || out[0].Content != "" {
		t.Fatalf("unknown role should become empty user message, got %+v", out[0])
	}
}

func TestOpenAINormalizeImagesAppendAfterText(t *testing.T) {
	messages := []domain.ChatMessage{{
		Role:    domain.RoleUser,
		Content: "what is this",
		Images: []domain.ImageRef{
			{Data: []byte{1, 2, 3}, MIME: "image/jpeg"},
			{ID: "img-unresolved"}, // resolution failed upstream, must be omitted
			{Data: []byte{4, 5}},
		},
	}}
	out, err := openaiMessagesFrom(messages)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	parts, ok := out[0].Content.([]oaiContentPart)
	if !ok {
		t.Fatalf("expected content parts, got %T", out[0].Content)
	}
	if len(parts) != 3 {
		t.Fatalf("expected text + 2 image parts, got %d", len(parts))
	}
	if parts[0].Type != "text" || parts[0].Text != "what is this" {
		t.Fatalf("first part must be the text block: %+v", parts[0])
	}
	if parts[1].Type != "image_url" || parts[2].Type != "image_url" {
		t.Fatalf("image parts must follow text: %+v", parts[1:])
	}
	if got := parts[1].ImageURL.URL; got[:len("data:image/jpeg;base64,")] != "data:image/jpeg;base64," {
		t.Fatalf("image part url = %q", got)
	}
}

func TestCollectImageRefsPrecedence(t *testing.T) {
	inline := domain.ImageRef{Data: []byte{9}, MIME: "image/png"}
	msg := domain.ChatMessage{
		Role:        domain.RoleUser,
		Images:      []domain.ImageRef{{ID: "a"}, {ID: "b"}},
		ImageIDs:    []string{"c"},
		ImageID:     "d",
		InlineImage: &inline,
	}
	refs := domain.CollectImageRefs(msg)
	if len(refs) != 2 || refs[0].ID != "a" || refs[1].ID != "b" {
		t.Fatalf("Images array must win: %+v", refs)
	}

	msg.Images = nil
	refs = domain.CollectImageRefs(msg)
	if len(refs) != 1 || refs[0].ID != "c" {
		t.Fatalf("ImageIDs must win over legacy fields: %+v", refs)
	}

	msg.ImageIDs = nil
	refs = domain.CollectImageRefs(msg)
	if len(refs) != 1 || refs[0].ID != "d" {
		t.Fatalf("legacy ImageID must win over inline: %+v", refs)
	}

	msg.ImageID = ""
	refs = domain.CollectImageRefs(msg)
	if len(refs) != 1 || !refs[0].Inline() {
		t.Fatalf("inline payload must be last resort: %+v", refs)
	}
}

func TestOllamaNormalizeImagesAndTools(t *testing.T) {
	messages := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "look", Images: []domain.ImageRef{{Data: []byte("png")}}},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "calc", Arguments: `{"a":2}`},
		}},
	}
	out, err := ollamaMessagesFrom(messages)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(out[0].Images) != 1 {
		t.Fatalf("expected 1 base64 image, got %d", len(out[0].Images))
	}
	if len(out[1].ToolCalls) != 1 || out[1].ToolCalls[0].Function.Name != "calc" {
		t.Fatalf("tool call not preserved: %+v", out[1].ToolCalls)
	}
}

func TestOllamaNormalizeMalformedToolArgsFails(t *testing.T) {
	_, err := ollamaMessagesFrom([]domain.ChatMessage{
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{Name: "calc", Arguments: "not json"},
		}},
	})
	if !errors.Is(err, ErrMalformedToolCall) {
		t.Fatalf("expected ErrMalformedToolCall, got %v", err)
	}
}

func TestDecodeDataURL(t *testing.T) {
	mime, data, err := decodeDataURL("data:image/png;base64,aGk=")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mime != "image/png" || string(data) != "hi" {
		t.Fatalf("decoded mime=%q data=%q", mime, data)
	}
	if _, _, err := decodeDataURL("data:image/png,plain"); err == nil {
		t.Fatalf("non-base64 data url should fail")
	}
}
