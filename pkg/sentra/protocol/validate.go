package protocol

import (
	"regexp"
	"strings"
)

// FormatKind classifies a format validation failure.
type FormatKind int

const (
	FormatOK FormatKind = iota
	FormatEmpty
	FormatMissingTag
	FormatForbiddenTag
)

// NeedsReminder reports whether a retry after this failure should carry the
// protocol reminder.
func (k FormatKind) NeedsReminder() bool {
	return k == FormatMissingTag || k == FormatForbiddenTag
}

// ForbiddenOutputTags are the input-only tags a model must never emit.
var ForbiddenOutputTags = []string{
	TagTools,
	TagResult,
	TagResultGroup,
	TagUserQuestion,
	TagPendingMessages,
	TagEmo,
}

// FormatCheck is the outcome of ValidateResponseFormat.
type FormatCheck struct {
	Valid  bool
	Kind   FormatKind
	Reason string
}

// ValidateResponseFormat checks that a model response carries the outer
// <sentra-response> block and none of the forbidden input tags.
func ValidateResponseFormat(text string) FormatCheck {
	if strings.TrimSpace(text) == "" {
		return FormatCheck{Kind: FormatEmpty, Reason: "empty response"}
	}
	if _, ok := ExtractTag(text, TagResponse); !ok {
		return FormatCheck{Kind: FormatMissingTag, Reason: "missing <" + TagResponse + "> tag"}
	}
	for _, tag := range ForbiddenOutputTags {
		if ContainsTag(text, tag) {
			return FormatCheck{Kind: FormatForbiddenTag, Reason: "contains forbidden read-only tag: <" + tag + ">"}
		}
	}
	return FormatCheck{Valid: true}
}

var textSegmentPattern = regexp.MustCompile(`<text(\d+)>([\s\S]*?)</text(\d+)>`)

// ExtractTextForCount returns every <textN> segment, trimmed and joined by a
// space, for token budgeting.
func ExtractTextForCount(text string) string {
	var parts []string
	for _, m := range textSegmentPattern.FindAllStringSubmatch(text, -1) {
		if m[1] != m[3] {
			continue
		}
		if s := strings.TrimSpace(m[2]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// ProtocolReminder restates the output contract. It is injected as a system
// message after a missing-tag or forbidden-tag failure.
func ProtocolReminder() string {
	return strings.Join([]string{
		"Output format reminder. Your previous reply did not follow the protocol.",
		"1. Wrap the whole reply in a single <sentra-response>...</sentra-response> block.",
		"2. Put the text in <text1>, <text2>, ... segments, one sentence per segment, numbered without gaps.",
		"3. Never output read-only tags: <sentra-tools>, <sentra-result>, <sentra-result-group>, <sentra-user-question>, <sentra-pending-messages>, <sentra-emo>.",
		"4. Talk to the user naturally; do not mention tools, invocations or internal steps.",
		"5. Write plain text inside segments; do not XML-escape characters.",
		"6. When there are no resources, still emit an empty <resources></resources>.",
		"",
		"Example:",
		"<sentra-response>",
		"  <text1>First sentence.</text1>",
		"  <text2>Second sentence.</text2>",
		"  <resources></resources>",
		"</sentra-response>",
	}, "\n")
}
