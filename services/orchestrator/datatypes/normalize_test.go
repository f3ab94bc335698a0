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
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Overall validity
// =============================================================================

func TestNormalize_InvalidShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing", ``},
		{"null", `null`},
		{"empty array", `[]`},
		{"object", `{"content":"hi","role":"user"}`},
		{"string", `"hello"`},
		{"number", `42`},
		{"array of scalars", `[1, "two", null, true]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := Normalize(json.RawMessage(tt.raw))
			assert.False(t, conv.Valid)
			assert.Empty(t, conv.Messages)
		})
	}
}

func TestNormalize_AllEntriesDroppedIsInvalid(t *testing.T) {
	raw := `[
		{"content":"   ","role":"user"},
		{"content":"<p></p>","role":"user"},
		{"content":"<script>only()</script>","role":"assistant"}
	]`

	conv := Normalize(json.RawMessage(raw))

	assert.False(t, conv.Valid)
	assert.Empty(t, conv.Messages)
}

func TestNormalize_Simple(t *testing.T) {
	conv := Normalize(json.RawMessage(`[{"content":"Hello","role":"user"}]`))

	require.True(t, conv.Valid)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, Message{Role: RoleUser, Content: "Hello"}, conv.Messages[0])
}

// =============================================================================
// Per-entry rules
// =============================================================================

func TestNormalize_DropsStructurallyInvalidEntries(t *testing.T) {
	raw := `[
		"plain string",
		{"role":"user"},
		{"content":"no role"},
		{"content":123,"role":"user"},
		{"content":null,"role":"user"},
		{"content":["a"],"role":"user"},
		{"content":"kept","role":"assistant"}
	]`

	conv := Normalize(json.RawMessage(raw))

	require.True(t, conv.Valid)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "kept", conv.Messages[0].Content)
	assert.Equal(t, RoleAssistant, conv.Messages[0].Role)
}

func TestNormalize_StripsScriptBlock(t *testing.T) {
	conv := Normalize(json.RawMessage(`[{"content":"<script>alert(1)</script>hello","role":"user"}]`))

	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hello", conv.Messages[0].Content)
}

func TestNormalize_MixedMarkup(t *testing.T) {
	conv := Normalize(json.RawMessage(`[{"content":"<b>hi</b> <script>bad()</script> there","role":"user"}]`))

	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "hi  there", conv.Messages[0].Content)
	assert.Equal(t, RoleUser, conv.Messages[0].Role)
}

func TestSanitizeContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"upper case script", "<SCRIPT type=\"text/javascript\">x()</ScRiPt>ok", "ok"},
		{"multiline script", "a<script>\nline1\nline2\n</script>b", "ab"},
		{"non-greedy", "<script>1</script>keep<script>2</script>", "keep"},
		{"tags with attributes", `<a href="https://x">link</a>`, "link"},
		{"whitespace", "\n\t  padded  \t\n", "padded"},
		{"lone angle bracket", "1 < 2", "1 < 2"},
		{"self closing", "line<br/>break", "linebreak"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeContent(tt.in))
		})
	}
}

func TestNormalize_TruncatesLongContent(t *testing.T) {
	original := strings.Repeat("a", 4500)
	raw, err := json.Marshal([]map[string]string{{"content": original, "role": "user"}})
	require.NoError(t, err)

	conv := Normalize(raw)

	require.Len(t, conv.Messages, 1)
	content := conv.Messages[0].Content
	assert.Equal(t, MaxMessageContentChars, utf8.RuneCountInString(content))
	assert.True(t, strings.HasPrefix(original, content))
}

func TestNormalize_TruncatesByCodePoint(t *testing.T) {
	original := strings.Repeat("é", 4001)
	raw, err := json.Marshal([]map[string]string{{"content": original, "role": "user"}})
	require.NoError(t, err)

	conv := Normalize(raw)

	require.Len(t, conv.Messages, 1)
	assert.Equal(t, MaxMessageContentChars, utf8.RuneCountInString(conv.Messages[0].Content))
	assert.True(t, utf8.ValidString(conv.Messages[0].Content))
}

func TestNormalize_TruncatesAfterStripping(t *testing.T) {
	original := "<b>" + strings.Repeat("x", 4100) + "</b>"
	raw, err := json.Marshal([]map[string]string{{"content": original, "role": "user"}})
	require.NoError(t, err)

	conv := Normalize(raw)

	require.Len(t, conv.Messages, 1)
	assert.Equal(t, strings.Repeat("x", 4000), conv.Messages[0].Content)
}

func TestSanitizeContent_WhitespaceAtCutIsTrimmed(t *testing.T) {
	head := strings.Repeat("a", MaxMessageContentChars-1)
	content := SanitizeContent(head + "   tail")

	assert.Equal(t, head, content)
	assert.Equal(t, MaxMessageContentChars-1, utf8.RuneCountInString(content))
	assert.Equal(t, content, SanitizeContent(content))
}

func TestNormalize_CoercesRoles(t *testing.T) {
	raw := `[
		{"content":"a","role":"admin"},
		{"content":"b","role":"system"},
		{"content":"c","role":"assistant"},
		{"content":"d","role":"USER"},
		{"content":"e","role":null},
		{"content":"f","role":7}
	]`

	conv := Normalize(json.RawMessage(raw))

	require.Len(t, conv.Messages, 6)
	want := []Role{RoleUser, RoleSystem, RoleAssistant, RoleUser, RoleUser, RoleUser}
	for i, msg := range conv.Messages {
		assert.Equal(t, want[i], msg.Role, "entry %d", i)
	}
}

func TestNormalize_CarriesTextualIDOnly(t *testing.T) {
	raw := `[
		{"id":"m-1","content":"a","role":"user"},
		{"id":17,"content":"b","role":"user"},
		{"id":null,"content":"c","role":"user"},
		{"content":"d","role":"user"}
	]`

	conv := Normalize(json.RawMessage(raw))

	require.Len(t, conv.Messages, 4)
	assert.Equal(t, "m-1", conv.Messages[0].ID)
	assert.Empty(t, conv.Messages[1].ID)
	assert.Empty(t, conv.Messages[2].ID)
	assert.Empty(t, conv.Messages[3].ID)
}

func TestNormalize_PreservesOrder(t *testing.T) {
	raw := `[
		{"content":"first","role":"system"},
		{"content":"","role":"user"},
		{"content":"second","role":"user"},
		{"content":"third","role":"assistant"}
	]`

	conv := Normalize(json.RawMessage(raw))

	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "first", conv.Messages[0].Content)
	assert.Equal(t, "second", conv.Messages[1].Content)
	assert.Equal(t, "third", conv.Messages[2].Content)

	last, ok := conv.CurrentTurn()
	require.True(t, ok)
	assert.Equal(t, "third", last.Content)
}

// =============================================================================
// Idempotence
// =============================================================================

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		`[{"content":"<b>hi</b> <script>bad()</script> there","role":"user","id":"x"}]`,
		`[{"content":"  spaced  ","role":"admin"},{"content":"<i>ok</i>","role":"assistant"}]`,
		`[{"content":"<<b>script>alert(1)<</b>/script>","role":"user"}]`,
	}
	long, err := json.Marshal([]map[string]string{{
		"content": strings.Repeat("y", 3999) + " " + strings.Repeat("z", 50),
		"role":    "user",
	}})
	require.NoError(t, err)
	inputs = append(inputs, string(long))

	for _, in := range inputs {
		first := Normalize(json.RawMessage(in))
		require.True(t, first.Valid, in)

		second := NormalizeMessages(first.Messages)

		assert.Equal(t, first, second, in)
	}
}

func TestConversation_CurrentTurnEmpty(t *testing.T) {
	_, ok := Conversation{}.CurrentTurn()
	assert.False(t, ok)
}

func TestRole_IsValid(t *testing.T) {
	assert.True(t, RoleUser.IsValid())
	assert.True(t, RoleAssistant.IsValid())
	assert.True(t, RoleSystem.IsValid())
	assert.False(t, Role("admin").IsValid())
	assert.False(t, Role("").IsValid())
}
