package marker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"bundleobf/pkg/contract"
)

// Options 为标记拆分器的可选配置（最小必要）。
type Options struct {
	// MaxBundleBytes: 允许读取的 bundle 最大字节数。0 表示不限制。
	MaxBundleBytes int64 `json:"max_bundle_bytes"`
}

// Splitter 按 BEGIN 拆分 bundle，按首个 END 区分代码与后缀。
type Splitter struct {
	maxBytes int64
}

// New 创建标记拆分器。
func New(opts *Options) *Splitter {
	var mb int64
	if opts != nil && opts.MaxBundleBytes > 0 {
		mb = opts.MaxBundleBytes
	}
	return &Splitter{maxBytes: mb}
}

var _ contract.Splitter = (*Splitter)(nil)

// Split 读取整个 bundle 并拆分。
func (s *Splitter) Split(ctx context.Context, r io.Reader) (contract.Bundle, error) {
	select {
	case <-ctx.Done():
		return contract.Bundle{}, ctx.Err()
	default:
	}
	if s.maxBytes > 0 {
		r = io.LimitReader(r, s.maxBytes+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return contract.Bundle{}, err
	}
	if s.maxBytes > 0 && int64(len(b)) > s.maxBytes {
		return contract.Bundle{}, fmt.Errorf("marker: bundle exceeds %d bytes: %w", s.maxBytes, contract.ErrInvalidInput)
	}
	return SplitString(string(b)), nil
}

// SplitString 拆分已在内存中的 bundle 文本。
// 首块（首个 BEGIN 之前）为启动代码，原样保留；
// 其后每块：可选标签 + 代码（至首个 END 之前）+ 后缀（自 END 起，含 END）。
// 缺少 END 的块整体视为代码，后缀为空。
func SplitString(text string) contract.Bundle {
	parts := strings.Split(text, contract.MarkerBegin)
	out := contract.Bundle{Head: parts[0]}
	if len(parts) == 1 {
		return out
	}
	out.Segments = make([]contract.Segment, 0, len(parts)-1)
	for i, chunk := range parts[1:] {
		label, rest, _ := contract.CutLabel(chunk)
		seg := contract.Segment{Index: i, Label: label, Code: rest}
		if j := strings.Index(rest, contract.MarkerEnd); j >= 0 {
			seg.Code, seg.Suffix = rest[:j], rest[j:]
		}
		out.Segments = append(out.Segments, seg)
	}
	return out
}
