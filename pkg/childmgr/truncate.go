package childmgr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TrimSpec bounds a tool result to its first HeadChars and last TailChars
// characters. When only one side is given the other defaults to zero; when
// neither is given the payload passes through unmodified regardless of size.
type TrimSpec struct {
	HeadChars *int
	TailChars *int
}

func (t *TrimSpec) validate() error {
	if t == nil {
		return nil
	}
	if t.HeadChars != nil && *t.HeadChars < 0 {
		return fmt.Errorf("childmgr: head_chars must be a non-negative integer (got %d)", *t.HeadChars)
	}
	if t.TailChars != nil && *t.TailChars < 0 {
		return fmt.Errorf("childmgr: tail_chars must be a non-negative integer (got %d)", *t.TailChars)
	}
	return nil
}

func (t *TrimSpec) bounds() (head, tail int, active bool) {
	if t == nil || (t.HeadChars == nil && t.TailChars == nil) {
		return 0, 0, false
	}
	if t.HeadChars != nil {
		head = *t.HeadChars
	}
	if t.TailChars != nil {
		tail = *t.TailChars
	}
	return head, tail, true
}

// ToolResult carries a tool invocation outcome. Raw is the full flattened
// payload; Output is the payload after truncation.
type ToolResult struct {
	Raw       string
	Output    string
	Truncated bool
}

// truncateOutput keeps the head and tail of text and replaces the middle
// with an elision marker noting how many characters were dropped. Bounds
// count characters, not bytes, so multi-byte payloads are never split
// mid-rune.
func truncateOutput(text string, trim *TrimSpec) (string, bool) {
	head, tail, active := trim.bounds()
	if !active {
		return text, false
	}
	runes := []rune(text)
	if len(runes) <= head+tail {
		return text, false
	}
	omitted := len(runes) - head - tail
	return fmt.Sprintf("%s\n...(%d characters omitted)...\n%s",
		string(runes[:head]), omitted, string(runes[len(runes)-tail:])), true
}

// flattenContent serializes a child's result content to text before any
// truncation: text blocks pass through verbatim, images become a placeholder
// naming their media type, and anything else is JSON-encoded.
func flattenContent(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch v := item.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[Image Data: %s]", v.MIMEType))
		default:
			if raw, err := json.Marshal(item); err == nil {
				parts = append(parts, string(raw))
			} else {
				parts = append(parts, fmt.Sprintf("%v", item))
			}
		}
	}
	return strings.Join(parts, "\n")
}
