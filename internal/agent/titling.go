package agent

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/joilabs/joi-gateway/internal/router"
	"github.com/joilabs/joi-gateway/internal/store"
)

const titlePrompt = "Write a short title (at most six words) for a conversation that starts with the following message. Reply with the title only, no quotes."

// maybeTitle sets the conversation title once the thread is young enough
// to still be untitled. The utility route names it; a plain truncation of
// the user message is the fallback.
func (r *Runtime) maybeTitle(ctx context.Context, conv *store.Conversation, userMessage string) {
	if conv.Title != "" {
		return
	}
	count, err := r.conversations.MessageCount(ctx, conv.ID)
	if err != nil || count > 3 {
		return
	}

	title := TruncateTitle(userMessage, titleMaxLen)
	if generated, err := r.router.UtilityCall(ctx, titlePrompt, userMessage, router.UtilityOptions{MaxTokens: 32}); err == nil {
		if cleaned := cleanTitle(generated); cleaned != "" {
			title = TruncateTitle(cleaned, titleMaxLen)
		}
	} else {
		r.logger.Debug("title generation failed, using truncation", "error", err)
	}

	if err := r.conversations.SetTitle(ctx, conv.ID, title); err != nil {
		r.logger.Warn("title persist failed", "conversation", conv.ID, "error", err)
	}
}

// TruncateTitle cuts text to max runes with a trailing ellipsis.
func TruncateTitle(text string, max int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
