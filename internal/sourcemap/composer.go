// Package sourcemap 组合整包 source map：每个选中文件的原始（变换前）代码
// 以恒等映射挂到最终 bundle 的行号上，行偏移 = 头部行数 + 之前所有文件的行数之和。
package sourcemap

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// DefaultHeaderLines: bundle 启动代码占用的行数。
const DefaultHeaderLines = 2

// ContentFunc 在输出阶段按文件名取回原始代码（用于 sourcesContent）。
type ContentFunc func(ctx context.Context, name string) (io.ReadCloser, error)

// Composer 累积文件并生成 v3 source map。
// Add 必须按文件顺序调用；并发安全但顺序由调用方保证。
type Composer struct {
	mu       sync.Mutex
	file     string
	header   int
	offset   int   // 已累计的行数（不含头部）
	size     int64 // 已加入原文的总字节数
	sources  []string
	mappings strings.Builder
	// 编码状态（VLQ 增量）
	genLine  int // 下一个待写的生成行（0 基）
	prevSrc  int
	prevLine int
}

// New 创建组合器；file 为 map 中的 "file" 字段，headerLines<0 时使用默认值。
func New(file string, headerLines int) *Composer {
	if headerLines < 0 {
		headerLines = DefaultHeaderLines
	}
	return &Composer{file: file, header: headerLines}
}

// LineCount 返回按 "\n" 切分得到的行数（空文本为 1 行）。
func LineCount(code string) int { return strings.Count(code, "\n") + 1 }

// Add 追加一个文件：其第 i 行映射到生成行 header+offset+i，列均为 0。
func (c *Composer) Add(name, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := LineCount(code)
	src := len(c.sources)
	c.sources = append(c.sources, name)
	start := c.header + c.offset
	for i := 0; i < lines; i++ {
		target := start + i
		// 分号推进到目标行（每行第一个段的列增量相对 0 重置）
		for c.genLine < target {
			c.mappings.WriteByte(';')
			c.genLine++
		}
		writeVLQ(&c.mappings, 0)
		writeVLQ(&c.mappings, src-c.prevSrc)
		writeVLQ(&c.mappings, i-c.prevLine)
		writeVLQ(&c.mappings, 0)
		c.prevSrc, c.prevLine = src, i
		// 每个生成行只有一个段；下一段必然在新行
		c.mappings.WriteByte(';')
		c.genLine++
	}
	c.offset += lines
	c.size += int64(len(code))
}

// Size 返回已加入原文的总字节数，可据此估算 Finalize 的内存占用。
func (c *Composer) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Offset 返回当前累计行偏移（不含头部）。
func (c *Composer) Offset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Sources 返回已加入的文件名（按加入顺序）。
func (c *Composer) Sources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sources...)
}

// Mappings 返回当前 mappings 字符串（去掉末尾多余的分号）。
func (c *Composer) Mappings() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimRight(c.mappings.String(), ";")
}

// Finalize 以流式方式写出 JSON 文档；content 为 nil 时省略 sourcesContent。
// 每次只在内存中保留一个文件的原文。
func (c *Composer) Finalize(ctx context.Context, w io.Writer, content ContentFunc) error {
	c.mu.Lock()
	sources := append([]string(nil), c.sources...)
	mappings := strings.TrimRight(c.mappings.String(), ";")
	file := c.file
	c.mu.Unlock()

	bw := bufio.NewWriter(w)
	head := struct {
		Version  int      `json:"version"`
		File     string   `json:"file"`
		Sources  []string `json:"sources"`
		Names    []string `json:"names"`
		Mappings string   `json:"mappings"`
	}{Version: 3, File: file, Sources: sources, Names: []string{}, Mappings: mappings}
	if head.Sources == nil {
		head.Sources = []string{}
	}
	b, err := marshal(head)
	if err != nil {
		return err
	}
	if content == nil {
		if _, err := bw.Write(b); err != nil {
			return err
		}
		return bw.Flush()
	}
	// 去掉结尾的 '}'，续写 sourcesContent
	if _, err := bw.Write(b[:len(b)-1]); err != nil {
		return err
	}
	if _, err := bw.WriteString(`,"sourcesContent":[`); err != nil {
		return err
	}
	for i, name := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			if err := bw.WriteByte(','); err != nil {
				return err
			}
		}
		text, err := readAll(ctx, content, name)
		if err != nil {
			return fmt.Errorf("sourcemap: content %s: %w", name, err)
		}
		sb, err := marshal(text)
		if err != nil {
			return err
		}
		if _, err := bw.Write(sb); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("]}"); err != nil {
		return err
	}
	return bw.Flush()
}

func readAll(ctx context.Context, content ContentFunc, name string) (string, error) {
	rc, err := content(ctx, name)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	return string(b), err
}

// marshal: 不转义 HTML，且去掉 Encoder 追加的换行。
func marshal(v any) ([]byte, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(sb.String(), "\n")), nil
}
