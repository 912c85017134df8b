package llm

import "testing"

func TestExtractSystem(t *testing.T) {
	system, rest := ExtractSystem([]Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "no emoji"},
	})
	if system != "be terse\n\nno emoji" {
		t.Fatalf("unexpected system prompt: %q", system)
	}
	if len(rest) != 1 || rest[0].Content != "hi" {
		t.Fatalf("unexpected rest: %+v", rest)
	}
}
