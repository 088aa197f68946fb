package llm

import (
	"context"
	"errors"
	"testing"
)

func TestMockClientSequence(t *testing.T) {
	mock := NewMockClient(
		MockResponse{Content: "first", StopReason: StopEndTurn},
		MockResponse{Content: "second", StopReason: StopEndTurn},
	)

	ctx := context.Background()

	resp, err := mock.Chat(ctx, ChatRequest{Model: "m", MaxTokens: 10})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Content != "first" {
		t.Errorf("expected 'first', got %q", resp.Content)
	}

	resp, err = mock.Chat(ctx, ChatRequest{Model: "m", MaxTokens: 10})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Content != "second" {
		t.Errorf("expected 'second', got %q", resp.Content)
	}

	// Exhausted sequence repeats the last response.
	resp, err = mock.Chat(ctx, ChatRequest{Model: "m", MaxTokens: 10})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Content != "second" {
		t.Errorf("expected repeated 'second', got %q", resp.Content)
	}

	if len(mock.Calls()) != 3 {
		t.Errorf("expected 3 recorded calls, got %d", len(mock.Calls()))
	}
}

func TestMockClientError(t *testing.T) {
	wantErr := errors.New("backend down")
	mock := NewMockClient(MockResponse{Error: wantErr})

	_, err := mock.Chat(context.Background(), ChatRequest{Model: "m"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected configured error, got %v", err)
	}
}

func TestMockClientReset(t *testing.T) {
	mock := NewMockClient(
		MockResponse{Content: "a"},
		MockResponse{Content: "b"},
	)

	ctx := context.Background()
	_, _ = mock.Chat(ctx, ChatRequest{})
	_, _ = mock.Chat(ctx, ChatRequest{})
	mock.Reset()

	resp, err := mock.Chat(ctx, ChatRequest{})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Content != "a" {
		t.Errorf("expected sequence restart with 'a', got %q", resp.Content)
	}
	if len(mock.Calls()) != 1 {
		t.Errorf("expected 1 call after reset, got %d", len(mock.Calls()))
	}
}

func TestTokenUsageTotal(t *testing.T) {
	u := TokenUsage{InputTokens: 120, OutputTokens: 30}
	if u.Total() != 150 {
		t.Errorf("expected total 150, got %d", u.Total())
	}
}

func TestMockClientImplementsClient(t *testing.T) {
	var _ Client = (*MockClient)(nil)
}

func TestAnthropicClientImplementsClient(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
}
