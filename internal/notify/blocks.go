package notify

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// TaskBlocks renders a task outcome as Block Kit blocks: the summary text in
// a section and the task reference in a context footer.
func TaskBlocks(t task.Task, summary string) []slack.Block {
	footer := fmt.Sprintf("Task `%s` · %s · business `%s`", t.ID, t.AgentType, t.BusinessID)
	if t.Namespace != "" {
		footer += fmt.Sprintf(" · user `%s`", t.Namespace)
	}

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, summary, false, false),
			nil, nil,
		),
		slack.NewContextBlock(
			"task_outcome_context",
			slack.NewTextBlockObject(slack.MarkdownType, footer, false, false),
		),
	}
}
