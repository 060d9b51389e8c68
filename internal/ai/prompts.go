package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/pkg/schema"
)

const judgeSystemPrompt = `You evaluate sales conversations against a rule.
Read the conversation between a lead and an agent and decide whether the rule holds.
Reply with exactly one word: true or false.`

const draftSystemPrompt = `You write short, friendly follow-up messages from a sales agent to a lead.
Write only the message text, in the language the lead uses, with no preamble or quotes.`

// Transcript renders messages oldest first as "Lead:" / "Agent:" lines.
func Transcript(messages []*store.Message) string {
	var b strings.Builder
	for _, m := range messages {
		who := "Agent"
		if m.Direction == schema.DirectionInbound {
			who = "Lead"
		}
		b.WriteString(who)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(m.Text))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Judge asks the model whether rule holds for the conversation.
// A reply that is not a clear true or false is TRANSIENT_DEPENDENCY.
func (c *Client) Judge(ctx context.Context, rule, transcript string) (bool, error) {
	if strings.TrimSpace(rule) == "" {
		return false, schema.NewError(schema.ErrCodeFatal, "ai_rule condition has no rule text")
	}
	if transcript == "" {
		transcript = "(no messages yet)"
	}
	reply, err := c.Complete(ctx, []ChatMessage{
		{Role: RoleSystem, Content: judgeSystemPrompt},
		{Role: RoleUser, Content: fmt.Sprintf("Rule: %s\n\nConversation:\n%s", rule, transcript)},
	})
	if err != nil {
		return false, err
	}
	return ParseVerdict(reply)
}

// DraftContext is what the model sees besides the operator's prompt.
type DraftContext struct {
	LeadName   string
	Transcript string
}

// Draft asks the model for a message following prompt.
func (c *Client) Draft(ctx context.Context, prompt string, dc DraftContext) (string, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Instructions: %s\n", prompt)
	if dc.LeadName != "" {
		fmt.Fprintf(&user, "Lead name: %s\n", dc.LeadName)
	}
	if dc.Transcript != "" {
		fmt.Fprintf(&user, "\nConversation so far:\n%s\n", dc.Transcript)
	}
	return c.Complete(ctx, []ChatMessage{
		{Role: RoleSystem, Content: draftSystemPrompt},
		{Role: RoleUser, Content: user.String()},
	})
}

// ParseVerdict reads a boolean out of a model reply. It accepts a bare
// true/false or yes/no, optionally quoted or punctuated, and a JSON object
// with a boolean "verdict" or "result".
func ParseVerdict(reply string) (bool, error) {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			for _, key := range []string{"verdict", "result"} {
				if b, ok := obj[key].(bool); ok {
					return b, nil
				}
			}
		}
	}

	s = strings.ToLower(strings.Trim(s, " \t\r\n\"'`*.!"))
	switch s {
	case "true", "yes":
		return true, nil
	case "false", "no":
		return false, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeTransient, "ambiguous verdict %q", truncate(reply, 80))
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
