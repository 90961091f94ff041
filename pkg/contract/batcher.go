package contract

import "context"

// BatchLimit: 成批上限。
type BatchLimit struct {
	// MaxFiles: 每批最多文件数，必须为正数。
	MaxFiles int
}

// Batcher: 将有序 FileRecord 切分为连续的 Batch。
// 约束：
//  1. 不重排、不丢失；
//  2. 除最后一批外，每批恰为 MaxFiles 个；
//  3. BatchIndex 自 0 单调递增。
type Batcher interface {
	Make(ctx context.Context, files []FileRecord, limit BatchLimit) ([]Batch, error)
}
