package proxy

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Cooperation 保证同一 key 同时只有一个上游拉取在执行，其余调用方共享结果。
type Cooperation interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error)
}

// SingleflightCooperation 是基于 singleflight 的进程内实现。
// fn 运行在脱离调用方取消信号的 context 上，先到的调用方断开不会中断其他等待者。
type SingleflightCooperation struct {
	group singleflight.Group
}

// NewSingleflightCooperation 创建进程内协作器。
func NewSingleflightCooperation() *SingleflightCooperation {
	return &SingleflightCooperation{}
}

// Do 执行或加入 key 对应的拉取；调用方 ctx 结束时立即返回 ctx.Err()，拉取继续在后台完成。
func (s *SingleflightCooperation) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}
