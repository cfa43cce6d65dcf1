package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ResourceType enumerates the media kinds a response may attach.
type ResourceType string

const (
	ResourceImage ResourceType = "image"
	ResourceVideo ResourceType = "video"
	ResourceAudio ResourceType = "audio"
	ResourceFile  ResourceType = "file"
	ResourceLink  ResourceType = "link"
)

func (t ResourceType) valid() bool {
	switch t {
	case ResourceImage, ResourceVideo, ResourceAudio, ResourceFile, ResourceLink:
		return true
	}
	return false
}

// Resource is one <resource> entry of a response.
type Resource struct {
	Type    ResourceType `json:"type"`
	Source  string       `json:"source"`
	Caption string       `json:"caption,omitempty"`
}

// Emoji is the optional sticker attached to a response.
type Emoji struct {
	Source  string `json:"source"`
	Caption string `json:"caption,omitempty"`
}

// Response is the parsed form of a <sentra-response> block.
type Response struct {
	TextSegments []string   `json:"textSegments"`
	Resources    []Resource `json:"resources"`
	Emoji        *Emoji     `json:"emoji,omitempty"`

	// Wrapped is false when the input had no <sentra-response> block and the
	// whole text was taken as a single segment. Such results are unvalidated.
	Wrapped bool `json:"wrapped"`

	// Warnings lists entries dropped during parsing.
	Warnings []string `json:"warnings,omitempty"`
}

// ParseResponse parses model output into a Response. Text segments are read
// from <text1>, <text2>, ... until the first missing or empty index.
func ParseResponse(text string) Response {
	block, ok := ExtractTag(text, TagResponse)
	if !ok {
		return Response{TextSegments: []string{text}, Resources: []Resource{}}
	}

	resp := Response{TextSegments: []string{}, Resources: []Resource{}, Wrapped: true}
	for i := 1; ; i++ {
		seg, found := ExtractTag(block, "text"+strconv.Itoa(i))
		if seg = strings.TrimSpace(UnescapeHTML(seg)); !found || seg == "" {
			break
		}
		resp.TextSegments = append(resp.TextSegments, seg)
	}

	if res, found := ExtractTag(block, "resources"); found {
		for i, entry := range ExtractAllTags(res, "resource") {
			r := Resource{
				Type:    ResourceType(strings.ToLower(fieldText(entry, "type"))),
				Source:  fieldText(entry, "source"),
				Caption: fieldText(entry, "caption"),
			}
			switch {
			case !r.Type.valid():
				resp.Warnings = append(resp.Warnings, fmt.Sprintf("resource %d dropped: invalid type %q", i, r.Type))
			case r.Source == "":
				resp.Warnings = append(resp.Warnings, fmt.Sprintf("resource %d dropped: missing source", i))
			default:
				resp.Resources = append(resp.Resources, r)
			}
		}
	}

	if emo, found := ExtractTag(block, "emoji"); found {
		if src := fieldText(emo, "source"); src != "" {
			resp.Emoji = &Emoji{Source: src, Caption: fieldText(emo, "caption")}
		} else {
			resp.Warnings = append(resp.Warnings, "emoji dropped: missing source")
		}
	}
	return resp
}

func fieldText(block, tag string) string {
	v, _ := ExtractTag(block, tag)
	return strings.TrimSpace(UnescapeHTML(v))
}

// BuildResponseXML is the canonical encoder for a Response.
func BuildResponseXML(r Response) string {
	var b strings.Builder
	b.WriteString("<" + TagResponse + ">\n")
	for i, seg := range r.TextSegments {
		fmt.Fprintf(&b, "%s<text%d>%s</text%d>\n", indentUnit, i+1, EscapeXML(seg), i+1)
	}
	if len(r.Resources) == 0 {
		b.WriteString(indentUnit + "<resources></resources>\n")
	} else {
		b.WriteString(indentUnit + "<resources>\n")
		for _, res := range r.Resources {
			b.WriteString(indentUnit + indentUnit + "<resource>\n")
			fmt.Fprintf(&b, "%s<type>%s</type>\n", strings.Repeat(indentUnit, 3), res.Type)
			fmt.Fprintf(&b, "%s<source>%s</source>\n", strings.Repeat(indentUnit, 3), EscapeXML(res.Source))
			if res.Caption != "" {
				fmt.Fprintf(&b, "%s<caption>%s</caption>\n", strings.Repeat(indentUnit, 3), EscapeXML(res.Caption))
			}
			b.WriteString(indentUnit + indentUnit + "</resource>\n")
		}
		b.WriteString(indentUnit + "</resources>\n")
	}
	if r.Emoji != nil {
		b.WriteString(indentUnit + "<emoji>\n")
		fmt.Fprintf(&b, "%s<source>%s</source>\n", indentUnit+indentUnit, EscapeXML(r.Emoji.Source))
		if r.Emoji.Caption != "" {
			fmt.Fprintf(&b, "%s<caption>%s</caption>\n", indentUnit+indentUnit, EscapeXML(r.Emoji.Caption))
		}
		b.WriteString(indentUnit + "</emoji>\n")
	}
	b.WriteString("</" + TagResponse + ">")
	return b.String()
}
