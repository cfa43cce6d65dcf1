package protocol

import (
	"fmt"
	"strings"
)

// PendingItem is one message rendered into <sentra-pending-messages>.
type PendingItem struct {
	SenderID   string
	SenderName string
	Text       string
	Time       string
}

// BuildPendingMessagesBlock renders recent chat context. Returns "" when
// there is nothing to render.
func BuildPendingMessagesBlock(items []PendingItem) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<" + TagPendingMessages + ">\n")
	fmt.Fprintf(&b, "  <total_count>%d</total_count>\n", len(items))
	b.WriteString("  <note>Recent messages for reference only. Reply to the user question, not to these.</note>\n")
	b.WriteString("  <context_messages>\n")
	for i, it := range items {
		fmt.Fprintf(&b, "    <message index=\"%d\">\n", i+1)
		fmt.Fprintf(&b, "      <sender_id>%s</sender_id>\n", EscapeXML(it.SenderID))
		if it.SenderName != "" {
			fmt.Fprintf(&b, "      <sender_name>%s</sender_name>\n", EscapeXML(it.SenderName))
		}
		fmt.Fprintf(&b, "      <text>%s</text>\n", EscapeXML(it.Text))
		if it.Time != "" {
			fmt.Fprintf(&b, "      <time>%s</time>\n", EscapeXML(it.Time))
		}
		b.WriteString("    </message>\n")
	}
	b.WriteString("  </context_messages>\n")
	b.WriteString("</" + TagPendingMessages + ">")
	return b.String()
}
