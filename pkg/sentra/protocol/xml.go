// Package protocol implements the XML wire format exchanged with the model:
// user-question and tool-result blocks going in, response and decision
// blocks coming out. Serialization is a depth-bounded walk over generic
// values; parsing only understands the fixed tag set.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const indentUnit = "  "

var (
	xmlEscaper   = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	htmlUnescape = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&#39;", "'", "&amp;", "&")
)

// EscapeXML escapes the characters that would break element text.
func EscapeXML(s string) string { return xmlEscaper.Replace(s) }

// UnescapeHTML reverses the common HTML entities models emit.
func UnescapeHTML(s string) string { return htmlUnescape.Replace(s) }

// Normalize converts arbitrary Go values (structs, typed maps, slices) into
// the generic map[string]any / []any form used by the serializer. Numbers
// are preserved as json.Number.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, json.Number, float64, int, int64:
		return t
	case map[string]any:
		return t
	case []any:
		return t
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return string(data)
	}
	return out
}

// ValueToXMLLines renders v as indented XML lines starting at indent levels,
// descending at most maxDepth levels. Values deeper than the bound are
// rendered as compact JSON text. Map keys are emitted in sorted order.
func ValueToXMLLines(v any, indent, depth, maxDepth int) []string {
	var lines []string
	switch t := Normalize(v).(type) {
	case map[string]any:
		for _, k := range sortedKeys(t) {
			lines = append(lines, elementLines(tagName(k), "", t[k], indent, depth, maxDepth)...)
		}
	case []any:
		for i, item := range t {
			lines = append(lines, elementLines("item", fmt.Sprintf(` index="%d"`, i), item, indent, depth, maxDepth)...)
		}
	case nil:
	default:
		lines = append(lines, strings.Repeat(indentUnit, indent)+EscapeXML(scalarText(t)))
	}
	return lines
}

func elementLines(name, attrs string, v any, indent, depth, maxDepth int) []string {
	pad := strings.Repeat(indentUnit, indent)
	v = Normalize(v)
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any, []any:
		if isEmptyContainer(t) {
			return []string{pad + "<" + name + attrs + "></" + name + ">"}
		}
		if depth+1 >= maxDepth {
			data, _ := json.Marshal(t)
			return []string{pad + "<" + name + attrs + ">" + EscapeXML(string(data)) + "</" + name + ">"}
		}
		lines := []string{pad + "<" + name + attrs + ">"}
		lines = append(lines, ValueToXMLLines(t, indent+1, depth+1, maxDepth)...)
		return append(lines, pad+"</"+name+">")
	default:
		return []string{pad + "<" + name + attrs + ">" + EscapeXML(scalarText(t)) + "</" + name + ">"}
	}
}

func isEmptyContainer(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

func scalarText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tagName turns an arbitrary map key into a valid element name.
func tagName(k string) string {
	if k == "" {
		return "_"
	}
	var b strings.Builder
	for i, r := range k {
		ok := r == '_' || r == '-' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r > 127
		if !ok {
			r = '_'
		}
		if i == 0 && (r == '-' || r == '.' || (r >= '0' && r <= '9')) {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ExtractTag returns the inner text of the first <tag>...</tag> element.
func ExtractTag(text, tag string) (string, bool) {
	open, closing := "<"+tag+">", "</"+tag+">"
	start := strings.Index(text, open)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, closing)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// ExtractAllTags returns the inner text of every non-overlapping <tag> element.
func ExtractAllTags(text, tag string) []string {
	open, closing := "<"+tag+">", "</"+tag+">"
	var out []string
	for {
		start := strings.Index(text, open)
		if start < 0 {
			return out
		}
		text = text[start+len(open):]
		end := strings.Index(text, closing)
		if end < 0 {
			return out
		}
		out = append(out, text[:end])
		text = text[end+len(closing):]
	}
}

// ContainsTag reports whether text contains an opening <tag> element, with
// or without attributes.
func ContainsTag(text, tag string) bool {
	open := "<" + tag
	for i := strings.Index(text, open); i >= 0; {
		next := i + len(open)
		if next >= len(text) {
			return false
		}
		switch text[next] {
		case '>', ' ', '\t', '\n', '\r', '/':
			return true
		}
		j := strings.Index(text[next:], open)
		if j < 0 {
			return false
		}
		i = next + j
	}
	return false
}

// FileRef is a file-path-shaped value found inside a payload.
type FileRef struct {
	Key  string
	Path string
}

var (
	pathPrefix = regexp.MustCompile(`^(?:/|~/|\./|[A-Za-z]:[\\/]|file://)`)
	fileExt    = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|webp|bmp|svg|mp3|wav|ogg|flac|m4a|silk|amr|mp4|mov|avi|mkv|webm|pdf|docx?|xlsx?|pptx?|txt|md|csv|json|zip|tar|gz|7z|rar)$`)
)

func looksLikePath(s string) bool {
	if s == "" || len(s) > 1024 || strings.ContainsAny(s, "\n\r<>") {
		return false
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return false
	}
	if pathPrefix.MatchString(s) {
		if fileExt.MatchString(s) {
			return true
		}
		return !strings.ContainsAny(s, " \t") && strings.Count(s, "/")+strings.Count(s, `\`) >= 2
	}
	return !strings.ContainsAny(s, " \t") && strings.ContainsAny(s, `/\`) && fileExt.MatchString(s)
}

// ExtractFiles walks v and returns every string value that looks like a local
// file path, keyed by its dotted location. Duplicate paths are reported once.
func ExtractFiles(v any) []FileRef {
	var out []FileRef
	seen := make(map[string]bool)
	var walk func(prefix string, v any, depth int)
	walk = func(prefix string, v any, depth int) {
		if depth > 16 {
			return
		}
		switch t := Normalize(v).(type) {
		case map[string]any:
			for _, k := range sortedKeys(t) {
				key := k
				if prefix != "" {
					key = prefix + "." + k
				}
				walk(key, t[k], depth+1)
			}
		case []any:
			for i, item := range t {
				walk(fmt.Sprintf("%s[%d]", prefix, i), item, depth+1)
			}
		case string:
			if looksLikePath(t) && !seen[t] {
				seen[t] = true
				out = append(out, FileRef{Key: prefix, Path: t})
			}
		}
	}
	walk("", v, 0)
	return out
}
