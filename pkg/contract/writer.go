package contract

import (
	"context"
	"io"
)

// ArtifactID: 持久化工件标识（bundle、source map、临时文件），与 FileID 同一表示。
type ArtifactID = FileID

// Writer: 将结果以流式方式持久化到目标介质（文件系统/对象存储等）。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 按字节透传，不读取/修改业务内容；
//  3. ctx 取消/超时需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// Area: 临时工作区的子树。
type Area string

const (
	AreaSrc  Area = "src"
	AreaDist Area = "dist"
)

// Scratch: 单次运行的临时工作区。src/ 存放原始代码，dist/ 存放变换结果，
// 两者都按规范路径镜像目录结构。
type Scratch interface {
	Put(ctx context.Context, area Area, id FileID, r io.Reader) error
	Open(ctx context.Context, area Area, id FileID) (io.ReadCloser, error)
}
