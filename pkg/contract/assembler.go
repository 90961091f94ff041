package contract

import (
	"context"
	"io"
)

// Assembler: 将变换后的代码按 Segment 顺序装回 bundle。
// 约束：
//  1. 输出 = Head + Σ(BEGIN + code_i + Suffix_i)，随后整体去除全部标记；
//  2. code_i 取 Segment i 对应 FileRecord 的 Code()，无对应记录时使用 Segment.Code；
//  3. 按 Segment.Index 驱动，与变换完成顺序无关；
//  4. 同一 Segment 出现多条记录返回 ErrSeqInvalid。
type Assembler interface {
	Assemble(ctx context.Context, b Bundle, files []FileRecord) (io.Reader, error)
}
