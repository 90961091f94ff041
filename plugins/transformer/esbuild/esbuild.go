package esbuild

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"bundleobf/pkg/contract"
)

// Options: 进程内压缩/混淆选项。未设置的 minify_* 默认开启。
type Options struct {
	MinifyWhitespace  *bool    `json:"minify_whitespace,omitempty"`
	MinifyIdentifiers *bool    `json:"minify_identifiers,omitempty"`
	MinifySyntax      *bool    `json:"minify_syntax,omitempty"`
	KeepNames         bool     `json:"keep_names,omitempty"`
	Target            string   `json:"target,omitempty"`         // es2015..es2024 / esnext，默认 esnext
	Drop              []string `json:"drop,omitempty"`           // console / debugger
	LegalComments     string   `json:"legal_comments,omitempty"` // none / inline / eof，默认 none
}

var targets = map[string]api.Target{
	"":       api.ESNext,
	"esnext": api.ESNext,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"es2023": api.ES2023,
	"es2024": api.ES2024,
}

var legal = map[string]api.LegalComments{
	"":       api.LegalCommentsNone,
	"none":   api.LegalCommentsNone,
	"inline": api.LegalCommentsInline,
	"eof":    api.LegalCommentsEndOfFile,
}

// Transformer 使用 esbuild Transform API 处理单个模块。
type Transformer struct {
	opts api.TransformOptions
}

func on(b *bool) bool { return b == nil || *b }

// New 从原样 JSON 选项构造。
func New(raw json.RawMessage) (contract.Transformer, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("esbuild options: %w", err)
		}
	}
	tgt, ok := targets[strings.ToLower(strings.TrimSpace(o.Target))]
	if !ok {
		return nil, fmt.Errorf("esbuild: unknown target %q: %w", o.Target, contract.ErrInvalidInput)
	}
	lc, ok := legal[strings.ToLower(strings.TrimSpace(o.LegalComments))]
	if !ok {
		return nil, fmt.Errorf("esbuild: unknown legal_comments %q: %w", o.LegalComments, contract.ErrInvalidInput)
	}
	var drop api.Drop
	for _, d := range o.Drop {
		switch strings.ToLower(strings.TrimSpace(d)) {
		case "console":
			drop |= api.DropConsole
		case "debugger":
			drop |= api.DropDebugger
		default:
			return nil, fmt.Errorf("esbuild: unknown drop %q: %w", d, contract.ErrInvalidInput)
		}
	}
	return &Transformer{opts: api.TransformOptions{
		Loader:            api.LoaderJS,
		Target:            tgt,
		Charset:           api.CharsetUTF8,
		MinifyWhitespace:  on(o.MinifyWhitespace),
		MinifyIdentifiers: on(o.MinifyIdentifiers),
		MinifySyntax:      on(o.MinifySyntax),
		KeepNames:         o.KeepNames,
		Drop:              drop,
		LegalComments:     lc,
	}}, nil
}

// Transform 变换一个模块体。esbuild 的解析错误映射为 ErrTransformFailed。
func (t *Transformer) Transform(ctx context.Context, id contract.FileID, code string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	opts := t.opts
	opts.Sourcefile = string(id)
	res := api.Transform(code, opts)
	if len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, m := range res.Errors {
			if m.Location != nil {
				msgs = append(msgs, fmt.Sprintf("%d:%d %s", m.Location.Line, m.Location.Column, m.Text))
				continue
			}
			msgs = append(msgs, m.Text)
		}
		return "", fmt.Errorf("esbuild %s: %s: %w", id, strings.Join(msgs, "; "), contract.ErrTransformFailed)
	}
	return string(res.Code), nil
}

var _ contract.Transformer = (*Transformer)(nil)
