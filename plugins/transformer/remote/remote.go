package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bundleobf/pkg/contract"
)

// Options: 远端混淆服务的最小配置。
type Options struct {
	Endpoint       string            `json:"endpoint"`        // 完整 URL，例如 https://obf.example.com/v1/transform
	TokenEnv       string            `json:"token_env"`       // 优先从环境变量读取
	Token          string            `json:"token"`           // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int               `json:"timeout_seconds"` // client 级超时（秒）
	ExtraHeaders   map[string]string `json:"extra_headers"`
	// 限流（由流水线闸门执行，这里只做承载）
	RPM            int `json:"rpm"`
	BPM            int `json:"bpm"`
	MaxBytesPerReq int `json:"max_bytes_per_req"`
}

func (o *Options) defaults() {
	if o.TokenEnv == "" {
		o.TokenEnv = "BUNDLEOBF_REMOTE_TOKEN"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// Client 通过 HTTP 提交单个模块并取回变换结果。
type Client struct {
	url    string
	token  string
	extraH map[string]string
	opts   Options
	do     func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.Transformer, error) {
	c, err := NewClient(raw)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewClient 与 New 相同，但返回具体类型以便读取 Endpoint/Token/限额。
func NewClient(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("remote options: %w", err)
		}
	}
	opts.defaults()
	if !(strings.HasPrefix(opts.Endpoint, "http://") || strings.HasPrefix(opts.Endpoint, "https://")) {
		return nil, fmt.Errorf("remote: %w: endpoint must be an http(s) URL", contract.ErrInvalidInput)
	}
	key := opts.Token
	if key == "" && opts.TokenEnv != "" {
		key = os.Getenv(opts.TokenEnv)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{url: opts.Endpoint, token: key, extraH: opts.ExtraHeaders, opts: opts, do: hc.Do}, nil
}

// Endpoint 返回服务地址。
func (c *Client) Endpoint() string { return c.url }

// Token 返回解析后的凭据（可能为空）。
func (c *Client) Token() string { return c.token }

// Limits 返回配置的限额。
func (c *Client) Limits() (rpm, bpm, maxBytesPerReq int) {
	return c.opts.RPM, c.opts.BPM, c.opts.MaxBytesPerReq
}

type request struct {
	FileName string `json:"file_name"`
	FileCode string `json:"file_code"`
}

type response struct {
	FileCode *string `json:"file_code"`
	Error    string  `json:"error,omitempty"`
}

// upstreamError 实现 net.Error，将 HTTP 上游 5xx/408 映射为网络类错误，便于分类与重试。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("remote upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// Transform: 单次调用，同步返回。
func (c *Client) Transform(ctx context.Context, id contract.FileID, code string) (string, error) {
	body, err := json.Marshal(request{FileName: string(id), FileCode: code})
	if err != nil {
		return "", fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
		}
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		// 4xx 视为该文件无法处理；5xx/408 视为上游问题
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return "", upstreamError{status: resp.StatusCode, msg: msg}
		}
		return "", fmt.Errorf("remote upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrTransformFailed)
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if r.Error != "" {
		return "", fmt.Errorf("remote %s: %s: %w", id, r.Error, contract.ErrTransformFailed)
	}
	if r.FileCode == nil {
		return "", contract.ErrResponseInvalid
	}
	return *r.FileCode, nil
}

var _ contract.Transformer = (*Client)(nil)
var _ contract.UpstreamError = upstreamError{}
