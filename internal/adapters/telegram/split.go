package telegram

import "strings"

const messageLimit = 4096

// SplitMessage режет текст на части не длиннее лимита Telegram, по возможности по строкам.
// Строка длиннее лимита режется по рунам.
func SplitMessage(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var (
		parts []string
		cur   []rune
	)
	flush := func() {
		if chunk := strings.Trim(string(cur), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		cur = cur[:0]
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		r := []rune(line)
		if len(cur)+len(r) > messageLimit {
			flush()
		}
		for len(r) > messageLimit {
			parts = append(parts, string(r[:messageLimit]))
			r = r[messageLimit:]
		}
		cur = append(cur, r...)
	}
	flush()
	return parts
}
