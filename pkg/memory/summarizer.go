package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgeworks/pilot/pkg/llms"
	"github.com/forgeworks/pilot/pkg/protocol"
)

const summarizerPrompt = `You summarize coding-assistant conversations. Produce a dense summary of the transcript that preserves:
- the user's goals and any constraints they stated
- decisions made and their reasons
- files and commands involved, with outcomes
- unresolved problems and next steps

Write plain prose, no headings. Do not invent details.`

// SummaryService produces conversation summaries with a secondary model.
type SummaryService struct {
	client *llms.Client
}

func NewSummaryService(client *llms.Client) *SummaryService {
	return &SummaryService{client: client}
}

func (s *SummaryService) Summarize(ctx context.Context, transcript string) (string, error) {
	system := []protocol.ContentBlock{{
		Type: protocol.BlockText,
		Text: summarizerPrompt,
	}}

	messages := []protocol.Message{
		protocol.NewUserText("Summarize this conversation:\n\n" + transcript),
	}

	summary, _, err := s.client.Complete(ctx, system, messages)
	if err != nil {
		return "", fmt.Errorf("summarization call failed: %w", err)
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty output")
	}
	return summary, nil
}
