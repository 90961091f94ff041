package fixed

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"bundleobf/pkg/contract"
)

func makeFiles(n int) []contract.FileRecord {
	fs := make([]contract.FileRecord, n)
	for i := range fs {
		fs[i] = contract.FileRecord{Name: contract.FileID(fmt.Sprintf("src/f%d.js", i)), Segment: i, Original: "x"}
	}
	return fs
}

// TestMakeSizes 25 个文件、上限 10 → 10/10/5
func TestMakeSizes(t *testing.T) {
	files := makeFiles(25)
	batches, err := New(nil).Make(context.Background(), files, contract.BatchLimit{MaxFiles: 10})
	if err != nil {
		t.Fatalf("make: %v", err)
	}
	want := []int{10, 10, 5}
	if len(batches) != len(want) {
		t.Fatalf("预期 %d 批, got %d", len(want), len(batches))
	}
	next := 0
	for i, b := range batches {
		if len(b.Files) != want[i] || b.BatchIndex != int64(i) {
			t.Fatalf("批 %d 错误: size=%d idx=%d", i, len(b.Files), b.BatchIndex)
		}
		if b.From != next || b.To != next+want[i]-1 {
			t.Fatalf("批 %d 区间错误: [%d,%d]", i, b.From, b.To)
		}
		for j, f := range b.Files {
			if f.Segment != next+j {
				t.Fatalf("顺序被打乱: batch %d pos %d seg %d", i, j, f.Segment)
			}
		}
		next += len(b.Files)
	}
}

// 批内修改对原切片可见
func TestMakeSharesBacking(t *testing.T) {
	files := makeFiles(3)
	batches, _ := New(nil).Make(context.Background(), files, contract.BatchLimit{MaxFiles: 2})
	batches[1].Files[0].Done = true
	if !files[2].Done {
		t.Fatalf("批内记录应与原切片共享")
	}
	// 容量被截断，append 不得覆盖下一批
	_ = append(batches[0].Files, contract.FileRecord{Name: "zzz"})
	if files[2].Name == "zzz" {
		t.Fatalf("append 覆盖了后续记录")
	}
}

func TestMakeExactMultiple(t *testing.T) {
	batches, _ := New(nil).Make(context.Background(), makeFiles(20), contract.BatchLimit{MaxFiles: 10})
	if len(batches) != 2 || len(batches[1].Files) != 10 {
		t.Fatalf("unexpected %d batches", len(batches))
	}
}

func TestMakeEmpty(t *testing.T) {
	batches, err := New(nil).Make(context.Background(), nil, contract.BatchLimit{MaxFiles: 10})
	if err != nil || len(batches) != 0 {
		t.Fatalf("expect no batches, got %v %v", batches, err)
	}
}

// TestMakeBadLimit 无效上限
func TestMakeBadLimit(t *testing.T) {
	if _, err := New(nil).Make(context.Background(), makeFiles(1), contract.BatchLimit{}); err == nil {
		t.Fatalf("expect error for zero limit")
	}
}

func TestMakeDuplicateSegment(t *testing.T) {
	files := makeFiles(2)
	files[1].Segment = 0
	_, err := New(nil).Make(context.Background(), files, contract.BatchLimit{MaxFiles: 1})
	if !errors.Is(err, contract.ErrInvariantViolation) {
		t.Fatalf("expect invariant violation, got %v", err)
	}
}

func TestMakeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(nil).Make(ctx, makeFiles(3), contract.BatchLimit{MaxFiles: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect canceled, got %v", err)
	}
}
