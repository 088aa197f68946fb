// Package mcp exposes the retrieval tool surface over the Model Context
// Protocol, so MCP-speaking agents can pull conversational context without
// going through the HTTP API.
package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/szaher/recall/internal/retriever"
	"github.com/szaher/recall/internal/runtime"
)

// RetrieveArgs is the input shared by every retrieval tool.
type RetrieveArgs struct {
	Query          string `json:"query" jsonschema:"text to search past conversations for"`
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"optional thread whose recent messages are appended"`
}

// SearchArgs is the input of memory_search.
type SearchArgs struct {
	Query string `json:"query" jsonschema:"text to match against indexed messages"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"maximum number of matches to return, defaults to 5"`
}

// SearchMatch is one scored result of memory_search.
type SearchMatch struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Role      string    `json:"role,omitempty"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is the structured output of memory_search.
type SearchResult struct {
	Matches []SearchMatch `json:"matches"`
}

// Server serves the retrieval tools over MCP. One tool is registered per
// retrieval domain, plus the supervisor aggregate and semantic search.
type Server struct {
	svc    *runtime.Service
	server *mcpsdk.Server
}

// NewServer builds the MCP server over an assembled service.
func NewServer(svc *runtime.Service, version string) *Server {
	s := &Server{svc: svc}
	s.server = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "recall",
		Version: version,
	}, nil)

	for _, domain := range retriever.Domains {
		s.addDomainTool(domain)
	}
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "retrieve_supervisor_context",
		Description: "Retrieve context for an orchestrating agent, including each sub-agent's most recent thread.",
	}, s.retrieveSupervisor)
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        "memory_search",
		Description: "Semantic search over indexed conversation messages, returning scored matches.",
	}, s.search)

	return s
}

func (s *Server) addDomainTool(domain retriever.Domain) {
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        domain.ToolName,
		Description: domain.Description,
	}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, args RetrieveArgs) (*mcpsdk.CallToolResult, any, error) {
		retr, err := s.svc.Retriever(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("open retriever: %w", err)
		}
		text := retriever.NewTool(domain, retr).Invoke(ctx, args.Query, args.ConversationID)
		return textResult(text), nil, nil
	})
}

func (s *Server) retrieveSupervisor(ctx context.Context, _ *mcpsdk.CallToolRequest, args RetrieveArgs) (*mcpsdk.CallToolResult, any, error) {
	super, err := s.svc.Supervisor(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open supervisor: %w", err)
	}
	return textResult(super.RetrieveText(ctx, args.Query, args.ConversationID)), nil, nil
}

func (s *Server) search(ctx context.Context, _ *mcpsdk.CallToolRequest, args SearchArgs) (*mcpsdk.CallToolResult, SearchResult, error) {
	index, err := s.svc.Index(ctx)
	if err != nil {
		return nil, SearchResult{}, fmt.Errorf("open index: %w", err)
	}

	matches := index.Search(ctx, args.Query, args.TopK)
	out := SearchResult{Matches: make([]SearchMatch, 0, len(matches))}
	for _, m := range matches {
		out.Matches = append(out.Matches, SearchMatch{
			ID:        m.Item.ID,
			Text:      m.Item.Text,
			Role:      m.Item.Role,
			Score:     m.Score,
			CreatedAt: m.Item.CreatedAt,
		})
	}
	return nil, out, nil
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

// Run serves MCP over stdio until ctx is canceled or the peer disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect attaches the server to a transport and returns the session.
// Run covers the stdio path; tests connect over in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}
