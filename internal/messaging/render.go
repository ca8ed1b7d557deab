package messaging

import (
	"strconv"
	"strings"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// RenderText flattens a result for text-only transports. Menus become
// numbered lists, except menus of commands, which are listed as-is so they
// can be sent back verbatim. Media and animations become links.
func RenderText(res models.CommandResult) string {
	switch res.Response {
	case models.ResponseNone:
		return ""
	case models.ResponseMenu:
		var b strings.Builder
		b.WriteString(res.Text)
		commands := allCommands(res.Options)
		for i, opt := range res.Options {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			if !commands {
				b.WriteString(strconv.Itoa(i + 1))
				b.WriteString(". ")
			}
			b.WriteString(opt)
		}
		return b.String()
	case models.ResponseAnimation, models.ResponseMedia:
		if res.MediaURL == "" {
			return res.Text
		}
		if res.Text == "" {
			return res.MediaURL
		}
		return res.Text + "\n" + res.MediaURL
	default:
		return res.Text
	}
}

func allCommands(options []string) bool {
	if len(options) == 0 {
		return false
	}
	for _, o := range options {
		if !strings.HasPrefix(o, "/") {
			return false
		}
	}
	return true
}
