package rate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"bundleobf/pkg/contract"
)

// LimitKey: 限流分组键（例如 远端服务地址）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM            int // requests per minute
	BPM            int // source bytes per minute
	MaxBytesPerReq int // 单次请求的源码字节上限，0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 默认为 1；必须 >=1
	Bytes    int // 本次提交的源码字节数（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, bpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	lim Limits
	req *xrate.Limiter // nil 表示维度关闭
	byt *xrate.Limiter
}

func newEntry(lim Limits) *entry {
	return &entry{lim: lim, req: perMinute(lim.RPM), byt: perMinute(lim.BPM)}
}

// perMinute: 容量为 n、每分钟补满的桶。
func perMinute(n int) *xrate.Limiter {
	if n <= 0 {
		return nil
	}
	return xrate.NewLimiter(xrate.Limit(float64(n)/60.0), n)
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (e *entry) check(a Ask) error {
	if a.Requests <= 0 || a.Bytes < 0 {
		return contract.ErrInvalidInput
	}
	if e.lim.MaxBytesPerReq > 0 && a.Bytes > e.lim.MaxBytesPerReq {
		return fmt.Errorf("rate: %d bytes exceeds per-request limit %d: %w", a.Bytes, e.lim.MaxBytesPerReq, contract.ErrInvalidInput)
	}
	if e.req != nil && a.Requests > e.req.Burst() {
		return contract.ErrInvalidInput
	}
	if e.byt != nil && a.Bytes > e.byt.Burst() {
		return fmt.Errorf("rate: %d bytes exceeds per-minute budget %d: %w", a.Bytes, e.byt.Burst(), contract.ErrInvalidInput)
	}
	return nil
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if e.check(a) != nil {
		return false
	}
	now := g.clk()
	var rr, rb *xrate.Reservation
	if e.req != nil {
		rr = e.req.ReserveN(now, a.Requests)
		if !rr.OK() || rr.DelayFrom(now) > 0 {
			rr.CancelAt(now)
			return false
		}
	}
	if e.byt != nil && a.Bytes > 0 {
		rb = e.byt.ReserveN(now, a.Bytes)
		if !rb.OK() || rb.DelayFrom(now) > 0 {
			rb.CancelAt(now)
			if rr != nil {
				rr.CancelAt(now)
			}
			return false
		}
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e := g.get(a.Key)
	if err := e.check(a); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	now := g.clk()
	var delay time.Duration
	var rs []*xrate.Reservation
	if e.req != nil {
		r := e.req.ReserveN(now, a.Requests)
		rs = append(rs, r)
		delay = max(delay, r.DelayFrom(now))
	}
	if e.byt != nil && a.Bytes > 0 {
		r := e.byt.ReserveN(now, a.Bytes)
		rs = append(rs, r)
		delay = max(delay, r.DelayFrom(now))
	}
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		// 归还未使用的额度
		for _, r := range rs {
			r.Cancel()
		}
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot 返回当前可用额度（诊断用）；维度关闭时返回 -1。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, bpmAvail int) {
	e := g.get(key)
	now := g.clk()
	avail := func(l *xrate.Limiter) int {
		if l == nil {
			return -1
		}
		return int(math.Max(0, math.Floor(l.TokensAt(now))))
	}
	return avail(e.req), avail(e.byt)
}

// 接口断言（可选）。
var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
