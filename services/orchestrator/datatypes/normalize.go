// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

var (
	// scriptBlockPattern matches <script ...>...</script> non-greedily,
	// case-insensitive and across newlines.
	scriptBlockPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)

	// tagPattern matches any remaining HTML-like tag.
	tagPattern = regexp.MustCompile(`<[^>]*>`)
)

// Normalize validates and sanitizes a raw messages value.
//
// # Description
//
// Each candidate entry is checked and cleaned independently; an entry that
// fails a rule is dropped without failing the request. The rules, in order:
//
//  1. The entry must be a JSON object with a string "content" and a "role" key.
//  2. <script>...</script> blocks are removed from content.
//  3. Remaining <...> tags are removed.
//  4. Leading and trailing whitespace is trimmed.
//  5. Content is truncated to MaxMessageContentChars code points.
//  6. Entries whose content is now empty are dropped.
//  7. Roles outside {user, assistant, system} become user.
//  8. A string "id" is carried over verbatim; other ids are dropped.
//
// # Inputs
//
//   - raw: The "messages" value of the request body, any JSON.
//
// # Outputs
//
//   - Conversation: Valid is true iff raw is an array with at least one
//     element and at least one entry survived. Surviving entries keep their
//     input order.
//
// # Limitations
//
//   - Tag stripping is pattern based, not an HTML parser. It removes markup,
//     it does not render entities.
//
// # Thread Safety
//
// Pure function, safe for concurrent use.
func Normalize(raw json.RawMessage) Conversation {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil || len(entries) == 0 {
		return Conversation{}
	}

	messages := make([]Message, 0, len(entries))
	for _, entry := range entries {
		if msg, ok := normalizeEntry(entry); ok {
			messages = append(messages, msg)
		}
	}

	return Conversation{
		Valid:    len(messages) > 0,
		Messages: messages,
	}
}

// NormalizeMessages re-applies normalization to already-typed messages.
// Normalizing a normalized conversation returns it unchanged.
func NormalizeMessages(messages []Message) Conversation {
	raw, err := json.Marshal(messages)
	if err != nil {
		return Conversation{}
	}
	return Normalize(raw)
}

func normalizeEntry(entry json.RawMessage) (Message, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(entry, &fields); err != nil || fields == nil {
		return Message{}, false
	}

	rawRole, hasRole := fields["role"]
	rawContent, hasContent := fields["content"]
	if !hasRole || !hasContent {
		return Message{}, false
	}

	var content string
	if err := json.Unmarshal(rawContent, &content); err != nil || isJSONNull(rawContent) {
		return Message{}, false
	}

	content = SanitizeContent(content)
	if content == "" {
		return Message{}, false
	}

	msg := Message{
		Role:    coerceRole(rawRole),
		Content: content,
	}

	if rawID, ok := fields["id"]; ok && !isJSONNull(rawID) {
		var id string
		if err := json.Unmarshal(rawID, &id); err == nil {
			msg.ID = id
		}
	}

	return msg, true
}

// SanitizeContent applies rules 2–5 of Normalize to a single content string.
//
// The result is re-trimmed after truncation so that sanitizing twice yields
// the same string.
func SanitizeContent(content string) string {
	content = scriptBlockPattern.ReplaceAllString(content, "")
	content = tagPattern.ReplaceAllString(content, "")
	content = strings.TrimSpace(content)
	content = truncateChars(content, MaxMessageContentChars)
	return strings.TrimRightFunc(content, unicode.IsSpace)
}

func truncateChars(s string, limit int) string {
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

func coerceRole(raw json.RawMessage) Role {
	var role string
	if err := json.Unmarshal(raw, &role); err != nil {
		return RoleUser
	}
	if r := Role(role); r.IsValid() {
		return r
	}
	return RoleUser
}

func isJSONNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
