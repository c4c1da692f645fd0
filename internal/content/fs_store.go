package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewFileStore 以 basePath 为根目录构建磁盘存储，整站复用一份实例。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
		rename:   os.Rename,
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入。
type fileStore struct {
	basePath string
	now      func() time.Time
	rename   func(oldpath, newpath string) error

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	entry, bodyPath, err := s.stat(ctx, locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ReadResult{Entry: *entry, Reader: f}, nil
}

func (s *fileStore) Stat(ctx context.Context, locator Locator) (*Entry, error) {
	entry, _, err := s.stat(ctx, locator)
	return entry, err
}

func (s *fileStore) stat(ctx context.Context, locator Locator) (*Entry, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	default:
	}

	base, err := s.entryPath(locator)
	if err != nil {
		return nil, "", err
	}
	bodyPath := base + bodySuffix

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	if info.IsDir() {
		return nil, "", ErrNotFound
	}

	attrs, err := readAttributes(base + attrsSuffix)
	if err != nil {
		return nil, "", err
	}
	if attrs.CachedAt.IsZero() {
		attrs.CachedAt = info.ModTime().UTC()
	}
	return &Entry{Locator: locator, SizeBytes: info.Size(), Attributes: attrs}, bodyPath, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, attrs Attributes) (*Entry, error) {
	unlock := s.lockEntry(locatorKey(locator))
	defer unlock()

	base, err := s.entryPath(locator)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(dir, ".content-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	digest := newDigest()
	written, err := copyWithContext(ctx, io.MultiWriter(tempFile, digest), body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	// 属性先于正文落盘：正文一旦可见，其属性必然已经存在。
	attrs.SHA1, attrs.SHA256 = digest.sums()
	attrs.Size = written
	if attrs.CachedAt.IsZero() {
		attrs.CachedAt = s.now().UTC()
	}
	if attrs.AssetRef == "" {
		attrs.AssetRef = uuid.NewString()
	}
	if err := s.writeJSON(base+attrsSuffix, attrs); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := s.rename(tempName, base+bodySuffix); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	return &Entry{Locator: locator, SizeBytes: written, Attributes: attrs}, nil
}

func (s *fileStore) Touch(ctx context.Context, locator Locator, update func(*Attributes)) error {
	unlock := s.lockEntry(locatorKey(locator))
	defer unlock()

	base, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	if _, err := os.Stat(base + bodySuffix); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	attrs, err := readAttributes(base + attrsSuffix)
	if err != nil {
		return err
	}
	update(&attrs)
	return s.writeJSON(base+attrsSuffix, attrs)
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock := s.lockEntry(locatorKey(locator))
	defer unlock()

	base, err := s.entryPath(locator)
	if err != nil {
		return err
	}
	for _, p := range []string{base + bodySuffix, base + attrsSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *fileStore) FindOrCreateComponent(ctx context.Context, repository, name, version string) (Component, error) {
	ref := ComponentRef(repository, name, version)
	unlock := s.lockEntry("component::" + ref)
	defer unlock()

	if _, err := objectKey(Locator{Repository: repository}); err != nil {
		return Component{}, err
	}
	p := filepath.Join(s.basePath, ".components", repository, ref+".json")
	if raw, err := os.ReadFile(p); err == nil {
		var existing Component
		if err := json.Unmarshal(raw, &existing); err == nil {
			return existing, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Component{}, err
	}

	component := Component{Ref: ref, Repository: repository, Name: name, Version: version, CreatedAt: s.now().UTC()}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Component{}, err
	}
	if err := s.writeJSON(p, component); err != nil {
		return Component{}, err
	}
	return component, nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// entryPath 返回不带后缀的条目绝对路径。
func (s *fileStore) entryPath(locator Locator) (string, error) {
	key, err := objectKey(locator)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.basePath, filepath.FromSlash(key))
	if !strings.HasPrefix(full, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidLocator
	}
	return full, nil
}

func readAttributes(p string) (Attributes, error) {
	var attrs Attributes
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return attrs, nil
		}
		return attrs, err
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return attrs, fmt.Errorf("decode attributes %s: %w", p, err)
	}
	return attrs, nil
}

// writeJSON 通过临时文件 + rename 原子写入。
func (s *fileStore) writeJSON(p string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".attrs-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := s.rename(name, p); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
