package contract

import (
	"context"
	"io"
)

// Splitter: 按 BEGIN/END 标记将整个 bundle 拆分为 Head 与有序 Segment。
// 约束：
// 1) Head 原样保留；
// 2) Segment 顺序即 BEGIN 在文本中的顺序；
// 3) 不修改任何字节：Head + Σ(BEGIN + 标签 + Code + Suffix) == 原文；
// 4) 无内部并发。
type Splitter interface {
	Split(ctx context.Context, r io.Reader) (Bundle, error)
}
