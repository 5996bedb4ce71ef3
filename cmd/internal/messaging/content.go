package messaging

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxContentRunes bounds message content after normalization.
const MaxContentRunes = 4000

// normalizeContent trims and NFC-normalizes content, defaults kind to text,
// and enforces the content rules.
func normalizeContent(op, content string, kind MessageKind) (string, MessageKind, error) {
	if !utf8.ValidString(content) {
		return "", "", invalid(op, "content must be valid UTF-8")
	}
	content = norm.NFC.String(strings.TrimSpace(content))
	if content == "" {
		return "", "", invalid(op, "content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return "", "", invalid(op, "content is too long")
	}

	if kind == "" {
		kind = MessageText
	}
	if !kind.Valid() {
		return "", "", invalid(op, "unknown message kind")
	}
	return content, kind, nil
}
