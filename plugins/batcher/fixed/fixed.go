package fixed

import (
	"context"
	"errors"
	"fmt"

	"bundleobf/pkg/contract"
)

// Options: 预留占位，固定批无需额外配置。
type Options struct{}

// Batcher 按固定文件数切批。
type Batcher struct{}

// New 创建固定批 Batcher。
func New(_ *Options) *Batcher { return &Batcher{} }

// Make 将 files 按 limit.MaxFiles 切成连续批次；
// Batch.Files 直接引用 files 的子切片，调用方对其元素的修改对原切片可见。
func (b *Batcher) Make(ctx context.Context, files []contract.FileRecord, limit contract.BatchLimit) ([]contract.Batch, error) {
	if limit.MaxFiles <= 0 {
		return nil, errors.New("batcher: max files must be > 0")
	}
	n := len(files)
	if n == 0 {
		return nil, nil
	}
	seen := make(map[int]struct{}, n)
	for i := range files {
		if _, dup := seen[files[i].Segment]; dup {
			return nil, fmt.Errorf("batcher: segment %d referenced twice: %w", files[i].Segment, contract.ErrInvariantViolation)
		}
		seen[files[i].Segment] = struct{}{}
	}

	batches := make([]contract.Batch, 0, (n+limit.MaxFiles-1)/limit.MaxFiles)
	var idx int64
	for from := 0; from < n; from += limit.MaxFiles {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		to := from + limit.MaxFiles
		if to > n {
			to = n
		}
		batches = append(batches, contract.Batch{
			BatchIndex: idx,
			Files:      files[from:to:to],
			From:       from,
			To:         to - 1,
		})
		idx++
	}
	return batches, nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

var _ contract.Batcher = (*Batcher)(nil)
