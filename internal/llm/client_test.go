package llm

import (
	"testing"

	"github.com/firebase/genkit/go/ai"

	"github.com/quarrylabs/quarry/internal/event"
	"github.com/quarrylabs/quarry/internal/pipeline"
	"github.com/quarrylabs/quarry/internal/router"
)

// The client and its helpers must keep satisfying the capability
// interfaces the pipeline consumes them through.
var (
	_ pipeline.LLM          = (*Client)(nil)
	_ pipeline.SQLGenerator = (*SQLGenerator)(nil)
	_ router.Scorer         = (*RouterScorer)(nil)
)

func TestToGenkitMessages(t *testing.T) {
	t.Parallel()

	msgs := []event.Message{
		{Role: "system", Text: "be terse"},
		{Role: "user", Text: "hello"},
		{Role: "Assistant", Text: "hi"},
		{Role: "model", Text: "still me"},
		{Role: "", Text: "role defaults to user"},
	}

	got := toGenkitMessages(msgs)
	if len(got) != len(msgs) {
		t.Fatalf("messages = %d, want %d", len(got), len(msgs))
	}

	wantRoles := []ai.Role{ai.RoleSystem, ai.RoleUser, ai.RoleModel, ai.RoleModel, ai.RoleUser}
	for i, m := range got {
		if m.Role != wantRoles[i] {
			t.Errorf("message[%d] role = %s, want %s", i, m.Role, wantRoles[i])
		}
		if len(m.Content) == 0 {
			t.Fatalf("message[%d] has no content", i)
		}
		if m.Content[0].Text != msgs[i].Text {
			t.Errorf("message[%d] text = %q, want %q", i, m.Content[0].Text, msgs[i].Text)
		}
	}
}
