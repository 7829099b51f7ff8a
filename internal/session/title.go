package session

const (
	titleLength   = 30
	previewLength = 50
	ellipsis      = "…"
)

// GenerateChatTitle derives a display title from the first message of a
// chat: its first 30 characters, followed by an ellipsis when cut.
func GenerateChatTitle(text string) string {
	return truncate(text, titleLength)
}

// Preview is the last_message_preview stored on a chat after a send:
// the first 50 characters, followed by an ellipsis when cut.
func Preview(text string) string {
	return truncate(text, previewLength)
}

func truncate(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + ellipsis
}
