package retriever

import "context"

// Domain identifies one agent surface that exposes context retrieval.
// Every domain shares the same retrieval implementation; only the tool
// name and description advertised to the calling agent differ.
type Domain struct {
	Name        string
	ToolName    string
	Description string
}

// Domains lists the built-in agent surfaces.
var Domains = []Domain{
	{
		Name:        "code",
		ToolName:    "retrieve_code_context",
		Description: "Look up prior design discussions and recent messages relevant to the coding task at hand.",
	},
	{
		Name:        "data-analysis",
		ToolName:    "retrieve_data_analysis_context",
		Description: "Recall earlier analyses, datasets and conclusions related to the current question.",
	},
	{
		Name:        "developer",
		ToolName:    "retrieve_developer_context",
		Description: "Fetch past engineering context: decisions, reviews and recent thread activity.",
	},
	{
		Name:        "file-manager",
		ToolName:    "retrieve_file_manager_context",
		Description: "Recall file operations and paths discussed in earlier sessions.",
	},
	{
		Name:        "content",
		ToolName:    "retrieve_content_context",
		Description: "Retrieve earlier drafts, style notes and feedback relevant to the content being written.",
	},
	{
		Name:        "research",
		ToolName:    "retrieve_research_context",
		Description: "Surface previously gathered findings and sources related to the research topic.",
	},
	{
		Name:        "system-admin",
		ToolName:    "retrieve_system_admin_context",
		Description: "Recall prior incidents, configuration changes and runbook discussions.",
	},
	{
		Name:        "documentation",
		ToolName:    "retrieve_documentation_context",
		Description: "Find earlier explanations and terminology used in existing documentation threads.",
	},
	{
		Name:        "worker",
		ToolName:    "retrieve_worker_context",
		Description: "Fetch task history and recent coordination messages for the current job.",
	},
	{
		Name:        "problem-solving",
		ToolName:    "retrieve_problem_solving_context",
		Description: "Recall similar problems, attempted approaches and their outcomes.",
	},
}

// DomainByName returns the built-in domain with the given name.
func DomainByName(name string) (Domain, bool) {
	for _, d := range Domains {
		if d.Name == name {
			return d, true
		}
	}
	return Domain{}, false
}

// Definition describes a retrieval tool in the shape calling agents expect.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Tool binds one domain surface to the shared retriever.
type Tool struct {
	domain Domain
	r      *Retriever
}

// NewTool wraps r under the given domain's name.
func NewTool(domain Domain, r *Retriever) Tool {
	return Tool{domain: domain, r: r}
}

// Tools builds one tool per built-in domain, all backed by r.
func Tools(r *Retriever) []Tool {
	out := make([]Tool, 0, len(Domains))
	for _, d := range Domains {
		out = append(out, NewTool(d, r))
	}
	return out
}

// Name returns the advertised tool name.
func (t Tool) Name() string { return t.domain.ToolName }

// Domain returns the domain this tool serves.
func (t Tool) Domain() Domain { return t.domain }

// Definition renders the tool definition advertised to the calling agent.
func (t Tool) Definition() Definition {
	return Definition{
		Name:        t.domain.ToolName,
		Description: t.domain.Description,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Text to search past conversations for.",
				},
				"conversation_id": map[string]any{
					"type":        "string",
					"description": "Optional thread whose recent messages are appended.",
				},
			},
			"required": []string{"query"},
		},
	}
}

// Invoke runs a retrieval for this domain. The result is always a string;
// failures degrade to sentinels or descriptions, never errors.
func (t Tool) Invoke(ctx context.Context, query, conversationID string) string {
	return t.r.retrieveText(ctx, t.domain.Name, query, conversationID)
}
