package contract

import (
	"encoding/base64"
	"strings"
)

// 边界标记：固定字面量，按 JS 注释书写，真实代码中几乎不可能出现。
// 任何用户代码中出现这些字面量都属于不支持的情形。
const (
	MarkerBegin = "/*<<bundleobf:begin:6f1c2a9e>>*/"
	MarkerEnd   = "/*<<bundleobf:end:6f1c2a9e>>*/"
)

// 路径标签紧跟 BEGIN 写入，用于在拆分时核对输出顺序。
const (
	labelOpen  = "/*<<bundleobf:id:"
	labelClose = ">>*/"
)

// EncodeLabel 将规范路径编码为标签文本（base64url，不含 "*/"）。
func EncodeLabel(id FileID) string {
	return labelOpen + base64.RawURLEncoding.EncodeToString([]byte(id)) + labelClose
}

// CutLabel: 若 s 以标签开头，返回解码后的路径与剩余文本。
// 标签残缺或无法解码时视为无标签，s 原样返回。
func CutLabel(s string) (FileID, string, bool) {
	if !strings.HasPrefix(s, labelOpen) {
		return "", s, false
	}
	rest := s[len(labelOpen):]
	end := strings.Index(rest, labelClose)
	if end < 0 {
		return "", s, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(rest[:end])
	if err != nil || len(raw) == 0 {
		return "", s, false
	}
	return FileID(raw), rest[end+len(labelClose):], true
}

// HasMarkers: 文本同时包含 BEGIN 与 END。
func HasMarkers(s string) bool {
	return strings.Contains(s, MarkerBegin) && strings.Contains(s, MarkerEnd)
}

// StripMarkers 去除全部 BEGIN/END。
// 重复直到不再变化：删除一处标记可能拼出新的完整标记。
func StripMarkers(s string) string {
	for {
		out := strings.ReplaceAll(s, MarkerBegin, "")
		out = strings.ReplaceAll(out, MarkerEnd, "")
		if len(out) == len(s) {
			return out
		}
		s = out
	}
}
