package onebot

import (
	"sort"
	"strings"
)

// cqSegment is a v11 segment: {"type": "at", "data": {"qq": "123"}}.
type cqSegment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

var (
	textEscaper  = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;")
	paramEscaper = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;", ",", "&#44;")
	unescaper    = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")
)

// parseCQ splits a CQ-code string into segments. Malformed codes are kept
// as text.
func parseCQ(s string) []cqSegment {
	var out []cqSegment
	text := func(t string) {
		if t == "" {
			return
		}
		out = append(out, cqSegment{Type: "text", Data: map[string]any{"text": unescaper.Replace(t)}})
	}
	for s != "" {
		i := strings.Index(s, "[CQ:")
		if i < 0 {
			text(s)
			break
		}
		j := strings.IndexByte(s[i:], ']')
		if j < 0 {
			text(s)
			break
		}
		text(s[:i])
		body := s[i+4 : i+j]
		s = s[i+j+1:]

		parts := strings.Split(body, ",")
		seg := cqSegment{Type: strings.TrimSpace(parts[0]), Data: map[string]any{}}
		for _, kv := range parts[1:] {
			k, v, _ := strings.Cut(kv, "=")
			seg.Data[k] = unescaper.Replace(v)
		}
		if seg.Type == "" {
			text("[CQ:" + body + "]")
			continue
		}
		out = append(out, seg)
	}
	return out
}

// formatCQ renders segments as a CQ-code string. Keys are sorted so the
// output is stable.
func formatCQ(segs []cqSegment) string {
	var b strings.Builder
	for _, seg := range segs {
		if seg.Type == "text" {
			t, _ := seg.Data["text"].(string)
			b.WriteString(textEscaper.Replace(t))
			continue
		}
		b.WriteString("[CQ:")
		b.WriteString(seg.Type)
		keys := make([]string, 0, len(seg.Data))
		for k := range seg.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(',')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(paramEscaper.Replace(anyString(seg.Data[k])))
		}
		b.WriteByte(']')
	}
	return b.String()
}

func anyString(v any) string {
	return params{"v": v}.str("v")
}
