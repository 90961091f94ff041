package modfilter

import (
	"sync"

	"bundleobf/pkg/contract"
)

// Selection: 单次构建内被选中模块的有序累加器。
// 收集阶段由过滤钩子写入（同一规范路径只记录一次），
// 宿主结束输出后调用一次 Finalize，之后只读。
type Selection struct {
	mu     sync.Mutex
	seen   map[contract.FileID]struct{}
	recs   []contract.ModuleRecord
	sealed bool
}

func NewSelection() *Selection {
	return &Selection{seen: make(map[contract.FileID]struct{})}
}

// Add 记录一个模块；重复路径返回 false。Finalize 之后返回 ErrSelectionSealed。
func (s *Selection) Add(rec contract.ModuleRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false, contract.ErrSelectionSealed
	}
	if _, ok := s.seen[rec.FileID]; ok {
		return false, nil
	}
	s.seen[rec.FileID] = struct{}{}
	s.recs = append(s.recs, rec)
	return true, nil
}

// Len 当前记录数。
func (s *Selection) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// Finalize 封存选择集并返回按插入顺序的副本；重复调用返回同一内容。
func (s *Selection) Finalize() []contract.ModuleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	out := make([]contract.ModuleRecord, len(s.recs))
	copy(out, s.recs)
	return out
}
