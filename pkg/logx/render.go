package logx

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
)

const (
	maxRecordLen = 3500
	maxValueLen  = 600
)

// renderRecord turns one JSON log line into a short HTML chat message:
//
//	<b>WARN</b> delivery failed
//	<code>chat_id</code>=42
func renderRecord(p []byte) string {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return html.EscapeString(clip(line, maxRecordLen))
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "<b>%s</b> ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(html.EscapeString(msg))

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n<code>%s</code>=%s", html.EscapeString(k), html.EscapeString(clip(fmt.Sprint(m[k]), maxValueLen)))
	}
	if b.Len() > maxRecordLen {
		// Cutting rendered HTML could split a tag; fall back to plain text.
		return html.EscapeString(clip(line, maxRecordLen))
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
