package orchestrator

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/querycore/api/schemas"
)

// maxToolOutput caps the encoded output of a single tool in prompts and
// summaries.
const maxToolOutput = 16 << 10

const synthesisSystemPrompt = `You are a business intelligence assistant. Answer the user's question in plain business language using only the data provided. ` +
	`If a data source is marked unavailable, say that part of the answer could not be retrieved. ` +
	`Do not mention data sources, systems, tables, queries or any other technical detail.`

func synthesisRequest(query, category string, results []schemas.ToolResult) schemas.GenerationRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", query)
	fmt.Fprintf(&b, "Topic: %s\n\nData:\n", category)
	for _, r := range results {
		if r.Failed() {
			fmt.Fprintf(&b, "- %s: unavailable\n", r.Name)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", r.Name, encodeOutput(r.Output))
	}
	return schemas.GenerationRequest{
		SystemPrompt: synthesisSystemPrompt,
		UserPrompt:   b.String(),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.2},
	}
}

// regenerationRequest asks again after the first answer used vocabulary the
// caller must not see.
func regenerationRequest(req schemas.GenerationRequest, forbidden []string) schemas.GenerationRequest {
	req.SystemPrompt += " Never use the following terms: " + strings.Join(forbidden, ", ") + "."
	req.Options.Temperature = 0
	return req
}

// plainSummary lists tool outputs without a remote call. It serves degraded mode.
func plainSummary(results []schemas.ToolResult) string {
	if len(results) == 0 {
		return "No data was available for this question."
	}
	var b strings.Builder
	b.WriteString("Here is the data we found:")
	for _, r := range results {
		if r.Failed() {
			fmt.Fprintf(&b, "\n- %s: currently unavailable", r.Name)
			continue
		}
		fmt.Fprintf(&b, "\n- %s: %s", r.Name, encodeOutput(r.Output))
	}
	return b.String()
}

func encodeOutput(v any) string {
	if s, ok := v.(string); ok {
		return truncate(s)
	}
	raw, err := json.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return truncate(string(raw))
}

func truncate(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "..."
}
