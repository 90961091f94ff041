package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"bundleobf/pkg/contract"
)

// Options: 外部命令变换器配置。
// 命令从 stdin 读入模块代码，向 stdout 写出变换结果；非零退出视为失败。
type Options struct {
	Command        []string          `json:"command"`
	TimeoutSeconds int               `json:"timeout_seconds"` // 单文件超时，默认 60
	Env            map[string]string `json:"env,omitempty"`
	Dir            string            `json:"dir,omitempty"`
}

// Transformer 以子进程处理每个模块。
type Transformer struct {
	argv    []string
	timeout time.Duration
	env     []string
	dir     string
}

// New 从原样 JSON 选项构造。
func New(raw json.RawMessage) (contract.Transformer, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("exec options: %w", err)
		}
	}
	if len(o.Command) == 0 || strings.TrimSpace(o.Command[0]) == "" {
		return nil, fmt.Errorf("exec: %w: empty command", contract.ErrInvalidInput)
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	env := os.Environ()
	for k, v := range o.Env {
		env = append(env, k+"="+v)
	}
	return &Transformer{
		argv:    append([]string(nil), o.Command...),
		timeout: time.Duration(o.TimeoutSeconds) * time.Second,
		env:     env,
		dir:     o.Dir,
	}, nil
}

// Transform 运行一次命令；BUNDLEOBF_FILE 传入规范路径。
func (t *Transformer) Transform(ctx context.Context, id contract.FileID, code string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	cmd := osexec.CommandContext(cctx, t.argv[0], t.argv[1:]...)
	cmd.Env = append(append([]string(nil), t.env...), "BUNDLEOBF_FILE="+string(id))
	cmd.Dir = t.dir
	cmd.Stdin = strings.NewReader(code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// 子进程被杀后不再等待其残留的孙进程关闭管道
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		// 外层取消优先上抛，便于流水线区分
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("exec %s: timeout after %s: %w", id, t.timeout, contract.ErrTransformFailed)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return "", fmt.Errorf("exec %s: %v: %s: %w", id, err, msg, contract.ErrTransformFailed)
	}
	return stdout.String(), nil
}

var _ contract.Transformer = (*Transformer)(nil)
