package contract

import (
	"context"
	"io"
)

// Reader: 按工件标识读取完整字节流。
// 约束：
// 1) 标识为相对根的路径，越界返回 ErrPathInvalid；
// 2) 不做解码，仅提供字节流；
// 3) 调用方负责 Close。
type Reader interface {
	Open(ctx context.Context, id ArtifactID) (io.ReadCloser, error)
}
