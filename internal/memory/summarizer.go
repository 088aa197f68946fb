package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/szaher/recall/internal/llm"
)

// Summarizer is a processor that titles untitled conversations once they
// accumulate enough messages, using a chat model. It reads and writes
// through the undecorated store to avoid re-entering the processor chain.
type Summarizer struct {
	store     Store
	client    llm.Client
	model     string
	threshold int
}

// NewSummarizer creates a summarizer processor. threshold is the message
// count that triggers titling; it defaults to 4.
func NewSummarizer(store Store, client llm.Client, model string, threshold int) *Summarizer {
	if threshold <= 0 {
		threshold = 4
	}
	return &Summarizer{
		store:     store,
		client:    client,
		model:     model,
		threshold: threshold,
	}
}

// Name implements Processor.
func (s *Summarizer) Name() string { return "summarizer" }

// Process titles the conversation behind a message append once it crosses
// the threshold. Conversations that already carry a title are left alone.
func (s *Summarizer) Process(ctx context.Context, m Mutation) error {
	if m.Op != OpMessageAdd || m.ConversationID == "" {
		return nil
	}

	conv, err := s.store.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}
	if conv.Title != "" {
		return nil
	}

	stats, err := s.store.ConversationStats(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}
	if stats.MessageCount < s.threshold {
		return nil
	}

	msgs, err := RecentContext(ctx, s.store, conv.ID, s.threshold)
	if err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}

	var sb strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}

	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		Model: s.model,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Write a title of at most eight words for this conversation. Reply with the title only:\n\n" + sb.String()},
		},
		MaxTokens: 50,
	})
	if err != nil {
		return fmt.Errorf("summarizer chat: %w", err)
	}

	title := strings.Trim(strings.TrimSpace(resp.Content), `"`)
	if title == "" {
		return nil
	}

	if _, err := s.store.UpdateConversation(ctx, conv.ID, ConversationUpdate{Title: &title}); err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}
	return nil
}
