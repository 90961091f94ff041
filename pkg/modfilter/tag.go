package modfilter

import (
	"strings"

	"bundleobf/pkg/contract"
)

// 打标时在 "{" 之后跳过的换行序列（按顺序尝试，最多跳过一个）。
var lineTerminators = []string{"\r\n", "\n"}

// Tag 在模块包装函数的首个 "{" 之后插入 BEGIN（及路径标签），在最后一个 "}" 之前插入 END。
// 已同时包含 BEGIN 与 END 的文本原样返回，因此 Tag(Tag(x)) == Tag(x)。
// id 为空时不写标签。
//
// 找不到 "{" 时插入点退化为文本开头，找不到 "}"（或位于插入点之前）时退化为文本末尾。
func Tag(code string, id contract.FileID) string {
	if contract.HasMarkers(code) {
		return code
	}
	start := strings.IndexByte(code, '{') + 1
	for _, term := range lineTerminators {
		if strings.HasPrefix(code[start:], term) {
			start += len(term)
			break
		}
	}
	end := strings.LastIndexByte(code, '}')
	if end < start {
		end = len(code)
	}

	label := ""
	if id != "" {
		label = contract.EncodeLabel(id)
	}
	var b strings.Builder
	b.Grow(len(code) + len(contract.MarkerBegin) + len(label) + len(contract.MarkerEnd))
	b.WriteString(code[:start])
	b.WriteString(contract.MarkerBegin)
	b.WriteString(label)
	b.WriteString(code[start:end])
	b.WriteString(contract.MarkerEnd)
	b.WriteString(code[end:])
	return b.String()
}

// TagModule 原地为模块的每个输出单元打标。
func TagModule(m *Module, id contract.FileID) {
	if m == nil {
		return
	}
	for i := range m.Output {
		m.Output[i].Data.Code = Tag(m.Output[i].Data.Code, id)
	}
}
