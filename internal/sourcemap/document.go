package sourcemap

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Document 是解码后的 v3 source map。
type Document struct {
	Version        int      `json:"version"`
	File           string   `json:"file,omitempty"`
	Sources        []string `json:"sources"`
	Names          []string `json:"names"`
	Mappings       string   `json:"mappings"`
	SourcesContent []string `json:"sourcesContent,omitempty"`
}

// Base64 输出整份文档的可移植编码（标准 base64），用于内联或跨进程传递。
// 会把全部原文读入内存；大项目请直接用 Finalize 流式写出。
func (c *Composer) Base64(ctx context.Context, content ContentFunc) (string, error) {
	var buf bytes.Buffer
	if err := c.Finalize(ctx, &buf, content); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode 将 base64 编码的文档还原为结构体并做最小校验。
func Decode(s string) (*Document, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("sourcemap: base64: %w", err)
	}
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("sourcemap: json: %w", err)
	}
	if d.Version != 3 {
		return nil, fmt.Errorf("sourcemap: unsupported version %d", d.Version)
	}
	if d.SourcesContent != nil && len(d.SourcesContent) != len(d.Sources) {
		return nil, fmt.Errorf("sourcemap: %d sources but %d contents", len(d.Sources), len(d.SourcesContent))
	}
	return &d, nil
}

// Encode 是 Decode 的逆操作。
func Encode(d *Document) (string, error) {
	b, err := marshal(d)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// JSON 输出文档的 JSON 形式（不转义 HTML）。
func (d *Document) JSON() ([]byte, error) { return marshal(d) }
