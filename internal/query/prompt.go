package query

import (
	"fmt"
	"strings"
)

// Prompt budget for the speculative path. The prompt stays compact so the
// short generation deadline holds.
const (
	speculativeSystemPrompt = "You are a concise assistant. Answer the question using only the provided context. If the context is insufficient, say so briefly."

	maxContextMessages = 5
	maxMessageChars    = 150
	maxPromptSources   = 3
	maxSourceChars     = 300
	maxOutputTokens    = 150

	speculativeTemperature = 0.3
)

// buildSpeculativePrompt assembles the compact message list for the
// speculative generation: system instruction, truncated conversation
// context, top sources and the question.
func buildSpeculativePrompt(queryText string, history []Message, sources []Source) []ChatMessage {
	messages := []ChatMessage{{Role: "system", Content: speculativeSystemPrompt}}

	// History arrives most recent first; replay in chronological order.
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		role := msg.Role
		if role != "user" && role != "assistant" {
			continue
		}
		messages = append(messages, ChatMessage{
			Role:    role,
			Content: truncate(msg.Content, maxMessageChars),
		})
	}

	var b strings.Builder
	if len(sources) > 0 {
		b.WriteString("Context:\n")
		n := len(sources)
		if n > maxPromptSources {
			n = maxPromptSources
		}
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, sources[i].DocumentName, truncate(sources[i].Text, maxSourceChars))
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(queryText)

	messages = append(messages, ChatMessage{Role: "user", Content: b.String()})
	return messages
}

// rawDocumentFallback formats a source excerpt used when generation
// times out or the LLM is unavailable.
func rawDocumentFallback(sources []Source) string {
	if len(sources) == 0 {
		return "No relevant documents found."
	}
	var b strings.Builder
	b.WriteString("Answer synthesis timed out; most relevant excerpts:\n\n")
	n := len(sources)
	if n > maxPromptSources {
		n = maxPromptSources
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "- %s: %s\n", sources[i].DocumentName, truncate(sources[i].Text, maxSourceChars))
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Avoid splitting a multi-byte rune at the cut point.
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}
