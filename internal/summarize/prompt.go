package summarize

import (
	"fmt"
	"strings"
)

const systemPrompt = `You consolidate related due-diligence risk findings into one reviewable summary.
You never introduce facts, systems, vendors or names that do not appear in the findings you are given.
You answer with a single JSON object and nothing else.`

// buildPrompt renders the child set. Children keep their input order so the
// same request always produces the same prompt.
func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The following %d risk findings concern the %s of the %s and describe one underlying issue.\n\n",
		len(req.Children), req.Domain, req.Entity)

	for i, c := range req.Children {
		fmt.Fprintf(&b, "Finding %d (severity: %s)\n", i+1, c.Severity)
		fmt.Fprintf(&b, "Title: %s\n", c.Title)
		if c.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", c.Description)
		}
		for _, q := range c.EvidenceQuotes {
			fmt.Fprintf(&b, "Evidence: %q\n", q)
		}
		if len(c.Systems) > 0 {
			fmt.Fprintf(&b, "Systems: %s\n", strings.Join(c.Systems, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString(`Rules:
1. Mention only systems and vendors listed above. Do not add any others.
2. The severity MUST be the highest severity among the findings.
3. Keep the description to 2-4 sentences.
4. Write the title in sentence case.

Respond with JSON:
{"title": "...", "description": "...", "severity": "low|medium|high|critical", "key_systems": ["..."]}
`)
	return b.String()
}
