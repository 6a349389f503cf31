package registry

import "github.com/hupe1980/taskmesh/core"

const basePrompt = `You are {{.agent}}, a specialist in {{.capabilities}}.
You are working on task {{.task_id}} ({{.task_type}}) against {{.target}}.
{{- if .parameters}}
Task parameters: {{kv .parameters}}.
{{- end}}
`

// BuiltinCatalog returns the catalog used when no other is configured.
func BuiltinCatalog() *Catalog {
	return &Catalog{
		Agents: []core.AgentDefinition{
			{
				ID:             "security_analyst",
				Name:           "Security Analyst",
				Capabilities:   []string{"security", "vulnerability_analysis", "threat_modeling"},
				PreferredModel: "claude-sonnet-4",
				SystemPrompt:   basePrompt + "Identify vulnerabilities and misconfigurations. Rate each finding by severity and cite evidence.",
				MaxTokens:      4096,
				Temperature:    core.Float(0.2),
			},
			{
				ID:             "recon_specialist",
				Name:           "Reconnaissance Specialist",
				Capabilities:   []string{"security", "reconnaissance", "asset_discovery"},
				PreferredModel: "gpt-4o",
				SystemPrompt:   basePrompt + "Map the exposed attack surface: hosts, services, technologies and entry points.",
				MaxTokens:      4096,
				Temperature:    core.Float(0.3),
			},
			{
				ID:             "code_reviewer",
				Name:           "Code Reviewer",
				Capabilities:   []string{"code_review", "static_analysis", "best_practices"},
				PreferredModel: "claude-sonnet-4",
				SystemPrompt:   basePrompt + "Review the code for defects, readability and maintainability. Suggest concrete fixes.",
				MaxTokens:      4096,
				Temperature:    core.Float(0.2),
			},
			{
				ID:             "performance_engineer",
				Name:           "Performance Engineer",
				Capabilities:   []string{"performance", "profiling", "scalability"},
				PreferredModel: "gpt-4o",
				SystemPrompt:   basePrompt + "Find performance bottlenecks and scalability limits. Quantify impact where possible.",
				MaxTokens:      4096,
				Temperature:    core.Float(0.3),
			},
			{
				ID:             "researcher",
				Name:           "Researcher",
				Capabilities:   []string{"research", "analysis", "summarization"},
				PreferredModel: "claude-sonnet-4",
				SystemPrompt:   basePrompt + "Research the subject thoroughly and report well-sourced findings.",
				MaxTokens:      4096,
				Temperature:    core.Float(0.5),
			},
			{
				ID:             "technical_writer",
				Name:           "Technical Writer",
				Capabilities:   []string{"documentation", "writing", "summarization"},
				PreferredModel: "gpt-4o-mini",
				SystemPrompt:   basePrompt + "Produce clear, structured documentation for the intended audience.",
				MaxTokens:      4096,
				Temperature:    core.Float(0.4),
			},
			{
				ID:             "lead_analyst",
				Name:           "Lead Analyst",
				Capabilities:   []string{"coordination", "analysis", "planning", "synthesis"},
				PreferredModel: "claude-sonnet-4",
				SystemPrompt:   basePrompt + "You lead a team of specialists. Plan the work, delegate precisely and merge results into one coherent report.",
				MaxTokens:      8192,
				Temperature:    core.Float(0.3),
			},
		},
		Defaults: map[string][]string{
			"security_scan":     {"security_analyst", "recon_specialist"},
			"code_review":       {"code_reviewer", "security_analyst"},
			"performance_audit": {"performance_engineer", "code_reviewer"},
			"research":          {"researcher"},
			"documentation":     {"technical_writer", "researcher"},
			"complex_analysis":  {"lead_analyst", "security_analyst", "performance_engineer", "researcher"},
		},
	}
}
