package notify

import (
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskBlocks(t *testing.T) {
	tk := completedTask()
	summary, ok := FormatMessage(tk)
	require.True(t, ok)

	blocks := TaskBlocks(tk, summary)
	require.Len(t, blocks, 2)

	section, ok := blocks[0].(*slack.SectionBlock)
	require.True(t, ok, "first block should be a section")
	require.NotNil(t, section.Text)
	assert.Equal(t, summary, section.Text.Text)
	assert.Equal(t, slack.MarkdownType, section.Text.Type)

	ctxBlock, ok := blocks[1].(*slack.ContextBlock)
	require.True(t, ok, "second block should be a context footer")
	require.Len(t, ctxBlock.ContextElements.Elements, 1)
	footer, ok := ctxBlock.ContextElements.Elements[0].(*slack.TextBlockObject)
	require.True(t, ok)
	assert.Contains(t, footer.Text, tk.ID)
	assert.Contains(t, footer.Text, tk.BusinessID)
}
