package models

import "strings"

// ResponseKind tells the transport how to render a CommandResult.
type ResponseKind string

const (
	// ResponseNone means nothing is sent back.
	ResponseNone ResponseKind = "none"
	// ResponseText is a plain text reply.
	ResponseText ResponseKind = "text"
	// ResponseMenu is a reply with a list of options to pick from.
	ResponseMenu ResponseKind = "menu"
	// ResponseAnimation is a reply carrying an animation (GIF) link.
	ResponseAnimation ResponseKind = "animation"
	// ResponseMedia is a reply carrying a media link.
	ResponseMedia ResponseKind = "media"
)

// OutcomeKind classifies the result of one turn.
type OutcomeKind string

const (
	// OutcomeError means the turn failed; a dialog stays where it was.
	OutcomeError OutcomeKind = "error"
	// OutcomeNeedMoreInfo means the user is expected to answer.
	OutcomeNeedMoreInfo OutcomeKind = "need-more-info"
	// OutcomeWorkflowCompleted means the work of the turn is done.
	OutcomeWorkflowCompleted OutcomeKind = "workflow-completed"
)

// CommandResult is the outward answer to one turn. It is never stored.
type CommandResult struct {
	Response ResponseKind `json:"response"`
	Outcome  OutcomeKind  `json:"outcome"`
	Text     string       `json:"text,omitempty"`
	Options  []string     `json:"options,omitempty"`
	MediaURL string       `json:"media_url,omitempty"`
}

// Ask is a text prompt that expects an answer.
func Ask(text string) CommandResult {
	return CommandResult{Response: ResponseText, Outcome: OutcomeNeedMoreInfo, Text: text}
}

// Choose is a menu prompt. Options are kept in order with duplicates removed.
func Choose(text string, options ...string) CommandResult {
	return CommandResult{Response: ResponseMenu, Outcome: OutcomeNeedMoreInfo, Text: text, Options: uniqueOptions(options)}
}

// Fail is an error reply.
func Fail(text string) CommandResult {
	return CommandResult{Response: ResponseText, Outcome: OutcomeError, Text: text}
}

// Completed is a text reply that finishes the turn's work.
func Completed(text string) CommandResult {
	return CommandResult{Response: ResponseText, Outcome: OutcomeWorkflowCompleted, Text: text}
}

// Animation is a completed reply carrying an animation link.
func Animation(text, url string) CommandResult {
	return CommandResult{Response: ResponseAnimation, Outcome: OutcomeWorkflowCompleted, Text: text, MediaURL: url}
}

// Media is a completed reply carrying a media link.
func Media(text, url string) CommandResult {
	return CommandResult{Response: ResponseMedia, Outcome: OutcomeWorkflowCompleted, Text: text, MediaURL: url}
}

// NoReply finishes a turn silently.
func NoReply() CommandResult {
	return CommandResult{Response: ResponseNone, Outcome: OutcomeWorkflowCompleted}
}

// IsError reports whether the turn failed.
func (r CommandResult) IsError() bool {
	return r.Outcome == OutcomeError
}

// IsMenu reports whether the result offers options.
func (r CommandResult) IsMenu() bool {
	return r.Response == ResponseMenu
}

// Then appends next to r: texts are joined and next decides how the
// combined result is rendered and classified.
func (r CommandResult) Then(next CommandResult) CommandResult {
	merged := next
	switch {
	case r.Text == "":
	case next.Text == "":
		merged.Text = r.Text
	default:
		merged.Text = r.Text + "\n\n" + next.Text
	}
	if merged.Response == ResponseNone && merged.Text != "" {
		merged.Response = ResponseText
	}
	return merged
}

func uniqueOptions(options []string) []string {
	if len(options) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(options))
	out := make([]string, 0, len(options))
	for _, o := range options {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}
