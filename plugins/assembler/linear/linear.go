package linear

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"bundleobf/pkg/contract"
)

// Options: 预留占位，线性装配无需配置。
type Options struct{}

type assembler struct{}

// New 从原样 JSON Options 创建线性装配器（当前忽略选项）。
func New(raw json.RawMessage) (contract.Assembler, error) {
	_ = raw
	return &assembler{}, nil
}

// Assemble 按 Segment 顺序拼接 Head + Σ(BEGIN + code + Suffix)，再去除全部标记。
// 标签不写回：它只在拆分阶段用于核对顺序。
func (a *assembler) Assemble(ctx context.Context, b contract.Bundle, files []contract.FileRecord) (io.Reader, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	bySeg := make(map[int]int, len(files))
	for i, f := range files {
		if f.Segment < 0 || f.Segment >= len(b.Segments) {
			return nil, fmt.Errorf("assembler: segment %d out of range: %w", f.Segment, contract.ErrSeqInvalid)
		}
		if _, dup := bySeg[f.Segment]; dup {
			return nil, contract.ErrSeqInvalid
		}
		bySeg[f.Segment] = i
	}

	size := len(b.Head)
	for _, s := range b.Segments {
		size += len(contract.MarkerBegin) + len(s.Code) + len(s.Suffix)
	}
	var sb strings.Builder
	sb.Grow(size)
	sb.WriteString(b.Head)
	for i, s := range b.Segments {
		code := s.Code
		if j, ok := bySeg[i]; ok {
			code = files[j].Code()
		}
		sb.WriteString(contract.MarkerBegin)
		sb.WriteString(code)
		sb.WriteString(s.Suffix)
	}
	return strings.NewReader(contract.StripMarkers(sb.String())), nil
}

var _ contract.Assembler = (*assembler)(nil)
