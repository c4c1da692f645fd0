package content

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// Stager 将上游正文流式写入临时目录，同时计算校验和。
type Stager struct {
	dir string
}

// NewStager 创建暂存区；dir 为空时使用系统临时目录。
func NewStager(dir string) (*Stager, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging path: %w", err)
	}
	return &Stager{dir: dir}, nil
}

// Staged 是一份已完整落盘的暂存正文。
type Staged struct {
	Path   string
	Size   int64
	SHA1   string
	SHA256 string
}

// Stage 写入 r 的全部内容。失败时不留下临时文件。
func (s *Stager) Stage(ctx context.Context, r io.Reader) (*Staged, error) {
	f, err := os.CreateTemp(s.dir, ".staging-*")
	if err != nil {
		return nil, err
	}
	name := f.Name()

	digest := newDigest()
	written, err := copyWithContext(ctx, io.MultiWriter(f, digest), r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return nil, err
	}
	sha1Hex, sha256Hex := digest.sums()
	return &Staged{Path: name, Size: written, SHA1: sha1Hex, SHA256: sha256Hex}, nil
}

// Open 打开暂存文件用于提交。
func (s *Staged) Open() (*os.File, error) {
	return os.Open(s.Path)
}

// Cleanup 删除暂存文件。
func (s *Staged) Cleanup() {
	if s != nil && s.Path != "" {
		os.Remove(s.Path)
	}
}

type digest struct {
	sha1   hash.Hash
	sha256 hash.Hash
}

func newDigest() *digest {
	return &digest{sha1: sha1.New(), sha256: sha256.New()}
}

func (d *digest) Write(p []byte) (int, error) {
	d.sha1.Write(p)
	d.sha256.Write(p)
	return len(p), nil
}

func (d *digest) sums() (string, string) {
	return hex.EncodeToString(d.sha1.Sum(nil)), hex.EncodeToString(d.sha256.Sum(nil))
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
