package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"bundleobf/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// FailFiles: 这些规范路径总是失败（ErrTransformFailed）。
	FailFiles []string `json:"fail_files,omitempty"`
	// RateLimitFirst: 前 N 次调用返回 ErrRateLimited（用于验证重试）。
	RateLimitFirst int `json:"rate_limit_first,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Transformer 是带状态的调试实现：
// 前 RateLimitFirst 次调用被限流；FailFiles 中的文件总是失败；
// 其余返回 "<prefix>:" + 原代码。
type Transformer struct {
	prefix  string
	fail    map[contract.FileID]struct{}
	limitN  int32
	logPath string
	count   atomic.Int32
	logMu   sync.Mutex
}

// New 构造 Transformer。
func New(raw json.RawMessage) (contract.Transformer, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	fail := make(map[contract.FileID]struct{}, len(o.FailFiles))
	for _, f := range o.FailFiles {
		fail[contract.NormalizeFileID(f)] = struct{}{}
	}
	return &Transformer{prefix: o.Prefix, fail: fail, limitN: int32(o.RateLimitFirst), logPath: o.LogPath}, nil
}

// Calls 返回累计调用次数。
func (t *Transformer) Calls() int { return int(t.count.Load()) }

func (t *Transformer) log(s string) {
	if t.logPath == "" {
		return
	}
	t.logMu.Lock()
	defer t.logMu.Unlock()
	_ = appendFile(t.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Transform 实现 contract.Transformer。
func (t *Transformer) Transform(ctx context.Context, id contract.FileID, code string) (string, error) {
	n := t.count.Add(1)
	if n <= t.limitN {
		t.log("rate_limited " + string(id))
		return "", contract.ErrRateLimited
	}
	if _, bad := t.fail[id]; bad {
		t.log("fail " + string(id))
		return "", fmt.Errorf("flaky %s: %w", id, contract.ErrTransformFailed)
	}
	t.log("ok " + string(id))
	return t.prefix + ":" + code, nil
}

var _ contract.Transformer = (*Transformer)(nil)
