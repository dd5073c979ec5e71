package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxthelion/octopoid/internal/blueprint"
	"github.com/maxthelion/octopoid/internal/task"
)

func TestRenderIncludesTaskBody(t *testing.T) {
	tk := &task.Task{ID: "t1", Title: "add docstring", Prompt: "add a docstring to foo"}
	out := Render(blueprint.Blueprint{Name: "impl-1"}, tk)
	require.Contains(t, out, "add docstring")
	require.Contains(t, out, "add a docstring to foo")
}

func TestRenderIncludesRejectionFeedbackInOrder(t *testing.T) {
	tk := &task.Task{
		ID:     "t1",
		Prompt: "fix the bug",
		Messages: []task.Message{
			{Type: "rejection", Body: "tests fail"},
			{Type: "status", Body: "ignored, not a rejection"},
			{Type: "rejection", Body: "docs missing"},
		},
	}
	out := Render(blueprint.Blueprint{}, tk)
	require.Contains(t, out, "Prior review feedback")
	require.Contains(t, out, "tests fail")
	require.Contains(t, out, "docs missing")
	require.NotContains(t, out, "ignored, not a rejection")
	require.Less(t, strings.Index(out, "tests fail"), strings.Index(out, "docs missing"))
}

func TestRenderOmitsFeedbackSectionWhenNoneExists(t *testing.T) {
	tk := &task.Task{ID: "t1", Prompt: "do the thing"}
	out := Render(blueprint.Blueprint{}, tk)
	require.NotContains(t, out, "Prior review feedback")
}

func TestRenderIncludesRoleInstructionsWhenToolsConfigured(t *testing.T) {
	tk := &task.Task{ID: "t1", Prompt: "do the thing"}
	out := Render(blueprint.Blueprint{AllowedTools: []string{"bash", "edit"}}, tk)
	require.Contains(t, out, "Role instructions")
	require.Contains(t, out, "bash, edit")
}
