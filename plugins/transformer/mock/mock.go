package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bundleobf/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 注释前缀，默认 "MOCK"
	// Mode:
	//  - "" / "wrap": 输出 /*<prefix>:<file>*/ + 原代码，便于断言落位；
	//  - "upper": 原代码转大写；
	//  - "identity": 原样返回。
	Mode string `json:"mode,omitempty"`
}

// Transformer 为无副作用的调试实现，用于流程联调与测试。
type Transformer struct {
	prefix string
	mode   string
}

func New(raw json.RawMessage) (contract.Transformer, error) {
	var o Options
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &o)
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.Mode)
	if mode == "" {
		mode = "wrap"
	}
	switch mode {
	case "wrap", "upper", "identity":
	default:
		return nil, fmt.Errorf("mock: unknown mode %q: %w", mode, contract.ErrInvalidInput)
	}
	return &Transformer{prefix: o.Prefix, mode: mode}, nil
}

func (t *Transformer) Transform(ctx context.Context, id contract.FileID, code string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	switch t.mode {
	case "upper":
		return strings.ToUpper(code), nil
	case "identity":
		return code, nil
	}
	return fmt.Sprintf("/*%s:%s*/%s", t.prefix, id, code), nil
}

var _ contract.Transformer = (*Transformer)(nil)
