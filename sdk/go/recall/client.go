// Package recall provides a Go client for the recall memory service HTTP API.
//
// Usage:
//
//	client := recall.NewClient("http://localhost:8080", recall.WithAPIKey("my-key"))
//	text, err := client.Retrieve(ctx, recall.RetrieveRequest{Query: "deployment plan"})
//	fmt.Println(text)
package recall

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Conversation is a stored conversation thread.
type Conversation struct {
	ID         string         `json:"id"`
	ResourceID string         `json:"resource_id"`
	Title      string         `json:"title,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ConversationUpdate holds the fields of a conversation patch. Nil fields
// are left unchanged.
type ConversationUpdate struct {
	Title      *string        `json:"title,omitempty"`
	ResourceID *string        `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Message is one turn in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageOptions filters a message listing.
type MessageOptions struct {
	Limit  int
	Role   string
	Before time.Time
	After  time.Time
}

// Stats aggregates a conversation's activity.
type Stats struct {
	MessageCount  int       `json:"message_count"`
	ToolCallCount int       `json:"tool_call_count"`
	StartTime     time.Time `json:"start_time"`
	LastActivity  time.Time `json:"last_activity"`
}

// Item is an indexed message snippet.
type Item struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is one scored semantic search result.
type Match struct {
	Item  Item    `json:"item"`
	Score float64 `json:"score"`
}

// RetrieveRequest asks for rendered context. Domain selects one of the
// service's retrieval surfaces; empty means the general retriever and
// "supervisor" aggregates across sub-agents.
type RetrieveRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	Domain         string `json:"domain,omitempty"`
}

// ExecutionRecord is the value of a history entry.
type ExecutionRecord struct {
	Task         string         `json:"task,omitempty"`
	Status       string         `json:"status,omitempty"`
	Output       string         `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	InputTokens  int            `json:"input_tokens,omitempty"`
	OutputTokens int            `json:"output_tokens,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// HistoryEntry is a stored execution record.
type HistoryEntry struct {
	Key       string          `json:"key"`
	AgentID   string          `json:"agent_id"`
	Value     ExecutionRecord `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StepRecord is the value of a history step.
type StepRecord struct {
	Name   string         `json:"name,omitempty"`
	Status string         `json:"status,omitempty"`
	Detail string         `json:"detail,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// HistoryStep is one step within a history entry's execution.
type HistoryStep struct {
	Key       string     `json:"key"`
	HistoryID string     `json:"history_id"`
	AgentID   string     `json:"agent_id"`
	Value     StepRecord `json:"value"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Event is the typed value of a timeline event.
type Event struct {
	Type   string    `json:"type"`
	Label  string    `json:"label,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// TimelineEvent is an audit record of a lifecycle transition.
type TimelineEvent struct {
	Key       string    `json:"key"`
	HistoryID string    `json:"history_id"`
	AgentID   string    `json:"agent_id"`
	Value     Event     `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// TimelineMutation is one streamed timeline write.
type TimelineMutation struct {
	Op        string    `json:"op"`
	At        time.Time `json:"at"`
	Key       string    `json:"key,omitempty"`
	HistoryID string    `json:"history_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Event     *Event    `json:"event,omitempty"`
}

// HealthResponse is the response from the health check endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Store   string `json:"store"`
	Version string `json:"version"`
}

// APIError represents an error response from the recall API.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Option configures the Client.
type Option func(*Client)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Client is the recall API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new recall client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			apiErr.ErrorCode = "unknown"
			apiErr.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, &apiErr
	}

	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// Health checks the service health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var result HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateConversation creates a conversation. A zero-value ID lets the
// service generate one.
func (c *Client) CreateConversation(ctx context.Context, conv Conversation) (*Conversation, error) {
	var result Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/v1/conversations", conv, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListConversations lists conversations, newest-updated-first. A non-empty
// resourceID narrows the listing to that owner.
func (c *Client) ListConversations(ctx context.Context, resourceID string) ([]Conversation, error) {
	path := "/v1/conversations"
	if resourceID != "" {
		path += "?resource_id=" + url.QueryEscape(resourceID)
	}

	var result struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Conversations, nil
}

// GetConversation fetches one conversation by id.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var result Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateConversation patches a conversation's mutable fields.
func (c *Client) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*Conversation, error) {
	var result Conversation
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/conversations/"+url.PathEscape(id), update, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteConversation removes a conversation and everything under it.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/conversations/"+url.PathEscape(id), nil, nil)
}

// AddMessage appends a message and returns its id. An empty
// conversationID appends to the service's default thread.
func (c *Client) AddMessage(ctx context.Context, conversationID, role, content string) (string, error) {
	body := map[string]string{"role": role, "content": content}
	path := "/v1/messages"
	if conversationID != "" {
		path = "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	}

	var result map[string]string
	if err := c.doJSON(ctx, http.MethodPost, path, body, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

// GetMessages lists a conversation's messages, newest-first.
func (c *Client) GetMessages(ctx context.Context, conversationID string, opts *MessageOptions) ([]Message, error) {
	query := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			query.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Role != "" {
			query.Set("role", opts.Role)
		}
		if !opts.Before.IsZero() {
			query.Set("before", opts.Before.Format(time.RFC3339))
		}
		if !opts.After.IsZero() {
			query.Set("after", opts.After.Format(time.RFC3339))
		}
	}

	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var result struct {
		Messages []Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// ConversationStats fetches a conversation's activity stats.
func (c *Client) ConversationStats(ctx context.Context, conversationID string) (*Stats, error) {
	var result Stats
	if err := c.doJSON(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID)+"/stats", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Search runs a semantic search over indexed messages. topK <= 0 uses the
// service default.
func (c *Client) Search(ctx context.Context, query string, topK int) ([]Match, error) {
	body := map[string]any{"query": query}
	if topK > 0 {
		body["top_k"] = topK
	}

	var result struct {
		Matches []Match `json:"matches"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/search", body, &result); err != nil {
		return nil, err
	}
	return result.Matches, nil
}

// Retrieve renders prompt-ready context for a query.
func (c *Client) Retrieve(ctx context.Context, req RetrieveRequest) (string, error) {
	var result map[string]string
	if err := c.doJSON(ctx, http.MethodPost, "/v1/retrieve", req, &result); err != nil {
		return "", err
	}
	return result["context"], nil
}

// SyncIndex replays stored conversations into the vector index and
// returns how many messages were indexed. An empty resourceID syncs
// everything.
func (c *Client) SyncIndex(ctx context.Context, resourceID string) (int, error) {
	body := map[string]string{}
	if resourceID != "" {
		body["resource_id"] = resourceID
	}

	var result map[string]int
	if err := c.doJSON(ctx, http.MethodPost, "/v1/index/sync", body, &result); err != nil {
		return 0, err
	}
	return result["indexed"], nil
}

// IndexSize returns the number of indexed items.
func (c *Client) IndexSize(ctx context.Context) (int, error) {
	var result map[string]int
	if err := c.doJSON(ctx, http.MethodGet, "/v1/index/stats", nil, &result); err != nil {
		return 0, err
	}
	return result["size"], nil
}

// PutHistory upserts an execution record under key.
func (c *Client) PutHistory(ctx context.Context, key string, value ExecutionRecord, agentID string) error {
	body := map[string]any{"agent_id": agentID, "value": value}
	return c.doJSON(ctx, http.MethodPut, "/v1/history/"+url.PathEscape(key), body, nil)
}

// GetHistory fetches an execution record by key.
func (c *Client) GetHistory(ctx context.Context, key string) (*HistoryEntry, error) {
	var result HistoryEntry
	if err := c.doJSON(ctx, http.MethodGet, "/v1/history/"+url.PathEscape(key), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListHistory lists an agent's execution records, newest-first.
func (c *Client) ListHistory(ctx context.Context, agentID string) ([]HistoryEntry, error) {
	var result struct {
		Entries []HistoryEntry `json:"entries"`
	}
	path := "/v1/history?agent_id=" + url.QueryEscape(agentID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// ClearHistory removes all of an agent's history, steps and timeline.
func (c *Client) ClearHistory(ctx context.Context, agentID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/history?agent_id="+url.QueryEscape(agentID), nil, nil)
}

// PutHistoryStep upserts a step under a history entry.
func (c *Client) PutHistoryStep(ctx context.Context, historyID, stepKey string, value StepRecord, agentID string) error {
	body := map[string]any{"agent_id": agentID, "value": value}
	path := "/v1/history/" + url.PathEscape(historyID) + "/steps/" + url.PathEscape(stepKey)
	return c.doJSON(ctx, http.MethodPut, path, body, nil)
}

// GetHistoryStep fetches one step of a history entry.
func (c *Client) GetHistoryStep(ctx context.Context, historyID, stepKey string) (*HistoryStep, error) {
	var result HistoryStep
	path := "/v1/history/" + url.PathEscape(historyID) + "/steps/" + url.PathEscape(stepKey)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AddTimelineEvent appends an audit event. The event type must belong to
// the service's event enumeration.
func (c *Client) AddTimelineEvent(ctx context.Context, key string, event Event, historyID, agentID string) error {
	body := map[string]any{
		"key":        key,
		"history_id": historyID,
		"agent_id":   agentID,
		"event":      event,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/timeline", body, nil)
}

// GetTimeline lists the audit events recorded under a history id.
func (c *Client) GetTimeline(ctx context.Context, historyID string) ([]TimelineEvent, error) {
	var result struct {
		Events []TimelineEvent `json:"events"`
	}
	path := "/v1/timeline?history_id=" + url.QueryEscape(historyID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Events, nil
}

// StreamCallback is called with each streamed timeline write.
type StreamCallback func(m TimelineMutation) error

// StreamTimeline follows the live timeline feed until ctx is canceled,
// the stream ends, or the callback returns an error. A non-empty
// historyID narrows the feed to one execution.
func (c *Client) StreamTimeline(ctx context.Context, historyID string, callback StreamCallback) error {
	path := "/v1/timeline/stream"
	if historyID != "" {
		path += "?history_id=" + url.QueryEscape(historyID)
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	eventType := ""

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			eventType = line[7:]
		} else if strings.HasPrefix(line, "data: ") {
			if eventType != "timeline" {
				eventType = ""
				continue
			}
			var m TimelineMutation
			if err := json.Unmarshal([]byte(line[6:]), &m); err != nil {
				return fmt.Errorf("decode stream event: %w", err)
			}
			if err := callback(m); err != nil {
				return err
			}
			eventType = ""
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
