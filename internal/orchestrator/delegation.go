package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/adsproject/ads/internal/agent/adapter"
	"go.uber.org/zap"
)

// delegationPattern matches fenced delegation blocks a supervisor embeds in
// its reply:
//
//	<<<agent.claude
//	refactor the parser
//	>>>
var delegationPattern = regexp.MustCompile(`(?i)<<<agent\.([a-z0-9_-]+)[\t ]*\r?\n([\s\S]*?)>>>`)

// Directive is one parsed delegation request.
type Directive struct {
	AgentID string
	Prompt  string
	// Block is the raw matched text, used for in-place replacement.
	Block string
}

// ParseDelegations extracts delegation directives from supervisor text.
// Directives addressed to the excluded agent (the supervisor itself) are
// dropped so a supervisor cannot delegate to itself.
func ParseDelegations(text, exclude string) []Directive {
	matches := delegationPattern.FindAllStringSubmatch(text, -1)
	out := make([]Directive, 0, len(matches))
	for _, m := range matches {
		agentID := strings.ToLower(m[1])
		if agentID == exclude {
			continue
		}
		prompt := strings.TrimSpace(m[2])
		if prompt == "" {
			continue
		}
		out = append(out, Directive{AgentID: agentID, Prompt: prompt, Block: m[0]})
	}
	return out
}

// ResolveDelegations parses delegation blocks in text, invokes each addressed
// agent, and replaces every block in-place with a collaboration summary.
// Unknown or not-ready agents produce a stub note instead of an invocation.
// Duplicate block text is disambiguated by always replacing the first
// remaining occurrence.
func (o *Orchestrator) ResolveDelegations(ctx context.Context, text, exclude string) string {
	directives := ParseDelegations(text, exclude)
	for _, d := range directives {
		text = strings.Replace(text, d.Block, o.runDirective(ctx, d), 1)
	}
	return text
}

func (o *Orchestrator) runDirective(ctx context.Context, d Directive) string {
	a, ok := o.Get(d.AgentID)
	if !ok {
		return fmt.Sprintf("🤝 %s(协作代理) 不可用：未注册", d.AgentID)
	}
	name := a.Metadata().Name
	if st := a.Status(); !st.Ready {
		return fmt.Sprintf("🤝 %s(协作代理) 不可用：%s", name, st.Error)
	}

	o.logger.Info("delegating to agent",
		zap.String("agent_id", d.AgentID),
		zap.Int("prompt_len", len(d.Prompt)))

	// Delegated sub-turns run silently so subscribers only see the
	// supervisor's stream; the collaborator's answer arrives as the summary.
	result, err := o.InvokeAgent(ctx, d.AgentID, adapter.TextInput(d.Prompt), adapter.SendOptions{Silent: true})
	if err != nil {
		return fmt.Sprintf("🤝 %s(协作代理) 执行失败：%v", name, err)
	}
	return fmt.Sprintf("🤝 %s(协作代理)：\n%s", name, strings.TrimSpace(result.Response))
}
