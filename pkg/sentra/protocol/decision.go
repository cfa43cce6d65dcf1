package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Decision is the parsed form of a <sentra-decision> block.
type Decision struct {
	Need       bool
	Reason     string
	Confidence float64
}

// ErrNoDecision is returned when the text holds no <sentra-decision> block.
var ErrNoDecision = errors.New("no <sentra-decision> block")

// ParseDecision parses a reply decision. All three fields are required and
// confidence must lie in [0,1].
func ParseDecision(text string) (Decision, error) {
	block, ok := ExtractTag(text, TagDecision)
	if !ok {
		return Decision{}, ErrNoDecision
	}

	needRaw, ok := ExtractTag(block, "need")
	if !ok {
		return Decision{}, fmt.Errorf("decision: missing <need>")
	}
	var d Decision
	switch strings.ToLower(strings.TrimSpace(needRaw)) {
	case "true", "yes", "1":
		d.Need = true
	case "false", "no", "0":
	default:
		return Decision{}, fmt.Errorf("decision: invalid <need> %q", needRaw)
	}

	reason, ok := ExtractTag(block, "reason")
	if !ok || strings.TrimSpace(reason) == "" {
		return Decision{}, fmt.Errorf("decision: missing <reason>")
	}
	d.Reason = strings.TrimSpace(UnescapeHTML(reason))

	confRaw, ok := ExtractTag(block, "confidence")
	if !ok {
		return Decision{}, fmt.Errorf("decision: missing <confidence>")
	}
	conf, err := strconv.ParseFloat(strings.TrimSpace(confRaw), 64)
	if err != nil {
		return Decision{}, fmt.Errorf("decision: invalid <confidence> %q: %w", confRaw, err)
	}
	if conf < 0 || conf > 1 {
		return Decision{}, fmt.Errorf("decision: confidence %v out of range", conf)
	}
	d.Confidence = conf
	return d, nil
}

// BuildDecisionXML renders a decision in canonical form.
func BuildDecisionXML(d Decision) string {
	return fmt.Sprintf("<%s>\n  <need>%t</need>\n  <reason>%s</reason>\n  <confidence>%s</confidence>\n</%s>",
		TagDecision, d.Need, EscapeXML(d.Reason), strconv.FormatFloat(d.Confidence, 'f', -1, 64), TagDecision)
}
