package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Wire tags.
const (
	TagUserQuestion    = "sentra-user-question"
	TagResult          = "sentra-result"
	TagResultGroup     = "sentra-result-group"
	TagResponse        = "sentra-response"
	TagTools           = "sentra-tools"
	TagDecision        = "sentra-decision"
	TagPendingMessages = "sentra-pending-messages"
	TagEmo             = "sentra-emo"
)

// Depth bounds for the serializer per call site.
const (
	UserQuestionMaxDepth = 6
	ResultMaxDepth       = 8
)

// userQuestionFilterKeys are bulk fields already represented by text/summary.
var userQuestionFilterKeys = map[string]bool{
	"segments": true,
	"images":   true,
	"videos":   true,
	"files":    true,
	"records":  true,
}

// BuildUserQuestionBlock renders a chat message as <sentra-user-question>.
func BuildUserQuestionBlock(fields map[string]any) string {
	filtered := make(map[string]any, len(fields))
	for k, v := range fields {
		if userQuestionFilterKeys[k] {
			continue
		}
		filtered[k] = v
	}
	lines := []string{"<" + TagUserQuestion + ">"}
	lines = append(lines, ValueToXMLLines(filtered, 1, 0, UserQuestionMaxDepth)...)
	lines = append(lines, "</"+TagUserQuestion+">")
	return strings.Join(lines, "\n")
}

// BuildResultBlock renders a tool-result event as <sentra-result>, followed
// by an <extracted_files> list when the payload references local files.
func BuildResultBlock(event any) string {
	return strings.Join(resultLines(event, 0), "\n")
}

func resultLines(event any, indent int) []string {
	pad := strings.Repeat(indentUnit, indent)
	lines := []string{pad + "<" + TagResult + ">"}
	lines = append(lines, ValueToXMLLines(event, indent+1, 0, ResultMaxDepth)...)
	if files := ExtractFiles(event); len(files) > 0 {
		inner := pad + indentUnit
		lines = append(lines, inner+"<extracted_files>")
		for _, f := range files {
			lines = append(lines,
				inner+indentUnit+"<file>",
				inner+indentUnit+indentUnit+"<key>"+EscapeXML(f.Key)+"</key>",
				inner+indentUnit+indentUnit+"<path>"+EscapeXML(f.Path)+"</path>",
				inner+indentUnit+"</file>",
			)
		}
		lines = append(lines, inner+"</extracted_files>")
	}
	return append(lines, pad+"</"+TagResult+">")
}

// BuildResultGroupBlock renders the results of one parallel tool group. Each
// member keeps its own <sentra-result> element.
func BuildResultGroupBlock(groupIndex int, events []any) string {
	lines := []string{fmt.Sprintf("<%s>", TagResultGroup), fmt.Sprintf("%s<group_index>%d</group_index>", indentUnit, groupIndex)}
	for _, ev := range events {
		lines = append(lines, resultLines(ev, 1)...)
	}
	lines = append(lines, "</"+TagResultGroup+">")
	return strings.Join(lines, "\n")
}

// BuildEmoBlock renders emotion analytics as <sentra-emo>.
func BuildEmoBlock(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	lines := []string{"<" + TagEmo + ">"}
	lines = append(lines, ValueToXMLLines(fields, 1, 0, 4)...)
	lines = append(lines, "</"+TagEmo+">")
	return strings.Join(lines, "\n")
}

// Invocation is one tool call within a <sentra-tools> block.
type Invocation struct {
	Name   string
	Params []Param
}

// Param is a named invocation parameter.
type Param struct {
	Name  string
	Value string
}

// Arguments decodes the parameters into a map. Values holding JSON literals
// (numbers, booleans, objects, arrays) are decoded; everything else stays a
// string.
func (inv Invocation) Arguments() map[string]any {
	out := make(map[string]any, len(inv.Params))
	for _, p := range inv.Params {
		v := strings.TrimSpace(p.Value)
		var decoded any
		if v != "" && strings.ContainsAny(v[:1], `{[0123456789-tfn`) && json.Unmarshal([]byte(v), &decoded) == nil {
			out[p.Name] = decoded
			continue
		}
		out[p.Name] = p.Value
	}
	return out
}

// ParamsFromMap builds sorted parameters from an argument map.
func ParamsFromMap(args map[string]any) []Param {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]Param, 0, len(keys))
	for _, k := range keys {
		var v string
		switch t := args[k].(type) {
		case string:
			v = t
		default:
			data, _ := json.Marshal(t)
			v = string(data)
		}
		params = append(params, Param{Name: k, Value: v})
	}
	return params
}

// BuildToolsBlock renders invocations as <sentra-tools>.
func BuildToolsBlock(invocations []Invocation) string {
	lines := []string{"<" + TagTools + ">"}
	for _, inv := range invocations {
		lines = append(lines, fmt.Sprintf(`%s<invoke name="%s">`, indentUnit, EscapeXML(inv.Name)))
		for _, p := range inv.Params {
			lines = append(lines, fmt.Sprintf(`%s<parameter name="%s">%s</parameter>`,
				indentUnit+indentUnit, EscapeXML(p.Name), EscapeXML(p.Value)))
		}
		lines = append(lines, indentUnit+"</invoke>")
	}
	lines = append(lines, "</"+TagTools+">")
	return strings.Join(lines, "\n")
}

// BuildNoToolPlaceholder renders the synthetic invocation used when the
// engine decided no tool is needed.
func BuildNoToolPlaceholder(reason string) string {
	return BuildToolsBlock([]Invocation{{
		Name: "none",
		Params: []Param{
			{Name: "no_tool", Value: "true"},
			{Name: "reason", Value: reason},
		},
	}})
}

var (
	invokePattern = regexp.MustCompile(`<invoke\s+name="([^"]+)"\s*>([\s\S]*?)</invoke>`)
	paramPattern  = regexp.MustCompile(`<parameter\s+name="([^"]+)"\s*>([\s\S]*?)</parameter>`)
	leafPattern   = regexp.MustCompile(`<([A-Za-z_][\w.-]*)>([^<]*)</([A-Za-z_][\w.-]*)>`)
)

// ParseInvocations extracts the invocations of the first <sentra-tools> block.
func ParseInvocations(text string) []Invocation {
	block, ok := ExtractTag(text, TagTools)
	if !ok {
		return nil
	}
	var out []Invocation
	for _, m := range invokePattern.FindAllStringSubmatch(block, -1) {
		inv := Invocation{Name: UnescapeHTML(strings.TrimSpace(m[1]))}
		for _, p := range paramPattern.FindAllStringSubmatch(m[2], -1) {
			inv.Params = append(inv.Params, Param{
				Name:  UnescapeHTML(strings.TrimSpace(p[1])),
				Value: UnescapeHTML(strings.TrimSpace(p[2])),
			})
		}
		out = append(out, inv)
	}
	return out
}

// leafParams reads the leaf elements of a serialized argument block back
// into parameters. Nested objects contribute their leaves.
func leafParams(argsXML string) []Param {
	var params []Param
	for _, m := range leafPattern.FindAllStringSubmatch(argsXML, -1) {
		if m[1] != m[3] {
			continue
		}
		params = append(params, Param{Name: m[1], Value: UnescapeHTML(strings.TrimSpace(m[2]))})
	}
	return params
}
