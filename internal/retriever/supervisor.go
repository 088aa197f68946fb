package retriever

import (
	"context"
	"fmt"
	"strings"

	"github.com/szaher/recall/internal/memory"
)

// subAgentWindow is how many trailing messages each sub-agent section shows.
const subAgentWindow = 5

// Supervisor retrieves context for an orchestrating agent. On top of the
// base retrieval it appends one section per known sub-agent holding that
// agent's most recent thread, so the supervisor sees what its workers have
// been doing without querying each one.
type Supervisor struct {
	*Retriever
	agents []string
}

// NewSupervisor wraps r with awareness of the given sub-agent identifiers.
// Each identifier is the resource id the sub-agent writes its threads under.
func NewSupervisor(r *Retriever, agents []string) *Supervisor {
	return &Supervisor{
		Retriever: r,
		agents:    append([]string(nil), agents...),
	}
}

// Agents returns the known sub-agent identifiers.
func (s *Supervisor) Agents() []string {
	return append([]string(nil), s.agents...)
}

// RetrieveText renders the aggregated context string. A failure to read one
// sub-agent's thread skips that section; partial aggregation is acceptable.
// Only a blank query or a failed base retrieval fails the whole call, and
// even then the result is a sentinel or description, never an error.
func (s *Supervisor) RetrieveText(ctx context.Context, query, conversationID string) string {
	if strings.TrimSpace(query) == "" {
		s.record("supervisor", "empty")
		return NoQuery
	}

	res := s.Retrieve(ctx, query, conversationID)
	if res.Err != nil {
		s.record("supervisor", "error")
		return "context retrieval failed: " + res.Err.Error()
	}

	var sections []string
	if base := res.render(); base != "" {
		sections = append(sections, base)
	}
	for _, agent := range s.agents {
		if sec, ok := s.agentSection(ctx, agent); ok {
			sections = append(sections, sec)
		}
	}

	if len(sections) == 0 {
		s.record("supervisor", "empty")
		return NoContext
	}
	s.record("supervisor", "hit")
	return strings.Join(sections, "\n\n")
}

// agentSection renders the most recent thread of one sub-agent. Any read
// failure or empty thread reports ok=false so the caller skips the section.
func (s *Supervisor) agentSection(ctx context.Context, agent string) (string, bool) {
	convs, err := s.store.GetConversations(ctx, agent)
	if err != nil {
		s.logger.Warn("sub-agent thread unavailable", "agent", agent, "error", err)
		return "", false
	}
	if len(convs) == 0 {
		return "", false
	}

	msgs, err := memory.RecentContext(ctx, s.store, convs[0].ID, subAgentWindow)
	if err != nil {
		s.logger.Warn("sub-agent messages unavailable", "agent", agent,
			"conversation_id", convs[0].ID, "error", err)
		return "", false
	}
	if len(msgs) == 0 {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Sub-Agent: %s", agent)
	for _, m := range msgs {
		fmt.Fprintf(&b, "\n%s: %s", m.Role, m.Content)
	}
	return b.String(), true
}
