package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

const (
	payloadSHA1   = "f07e5a815613c5abeddc4b682247a4c42d8a95df"
	payloadSHA256 = "239f59ed55e737c77147cf55ad0c1b030b6d7ee748a7426952f9b852d5a935e5"
)

func TestFileStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Repository: "pypi-proxy", Path: "/simple/foo/"}

	cachedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	attrs := Attributes{
		Kind:     "package-index",
		ETag:     `"abc"`,
		CachedAt: cachedAt,
		Links:    map[string]Link{"foo-1.0.tar.gz": {URL: "https://files/foo-1.0.tar.gz", SHA256: "deadbeef"}},
	}
	entry, err := store.Put(context.Background(), locator, strings.NewReader("payload"), attrs)
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if entry.Attributes.AssetRef == "" {
		t.Fatalf("asset ref should be assigned")
	}

	result, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	if string(body) != "payload" {
		t.Fatalf("payload mismatch: %s", string(body))
	}
	got := result.Entry.Attributes
	if result.Entry.SizeBytes != 7 || got.Size != 7 {
		t.Fatalf("size mismatch: %d/%d", result.Entry.SizeBytes, got.Size)
	}
	if !got.CachedAt.Equal(cachedAt) || got.ETag != `"abc"` || got.Kind != "package-index" {
		t.Fatalf("attributes not persisted: %+v", got)
	}
	if got.Links["foo-1.0.tar.gz"].SHA256 != "deadbeef" {
		t.Fatalf("link table not persisted: %+v", got.Links)
	}
	if len(got.SHA1) != 40 || len(got.SHA256) != 64 {
		t.Fatalf("checksums not computed: %+v", got)
	}
}

func TestFileStoreDirectoryAndFileDoNotCollide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	packument := Locator{Repository: "npm", Path: "/foo"}
	tarball := Locator{Repository: "npm", Path: "/foo/-/foo-1.0.0.tgz"}

	if _, err := store.Put(ctx, packument, strings.NewReader("{}"), Attributes{}); err != nil {
		t.Fatalf("put packument: %v", err)
	}
	if _, err := store.Put(ctx, tarball, strings.NewReader("tgz"), Attributes{}); err != nil {
		t.Fatalf("put tarball: %v", err)
	}
	for _, loc := range []Locator{packument, tarball} {
		res, err := store.Get(ctx, loc)
		if err != nil {
			t.Fatalf("get %s: %v", loc.Path, err)
		}
		res.Reader.Close()
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), Locator{Repository: "npm", Path: "/missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Put(context.Background(), Locator{Repository: "npm", Path: "/../../etc/passwd"}, strings.NewReader("x"), Attributes{}); !errors.Is(err, ErrInvalidLocator) {
		t.Fatalf("expected ErrInvalidLocator, got %v", err)
	}
}

func TestFileStoreTouchAndRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	locator := Locator{Repository: "npm", Path: "/cache/remove"}
	if _, err := store.Put(ctx, locator, bytes.NewReader([]byte("data")), Attributes{CachedAt: time.Unix(0, 0).UTC()}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	refreshed := time.Now().UTC().Truncate(time.Second)
	if err := store.Touch(ctx, locator, func(a *Attributes) { a.CachedAt = refreshed }); err != nil {
		t.Fatalf("touch error: %v", err)
	}
	res, err := store.Get(ctx, locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	res.Reader.Close()
	if !res.Entry.Attributes.CachedAt.Equal(refreshed) {
		t.Fatalf("touch did not update cachedAt: %s", res.Entry.Attributes.CachedAt)
	}

	if err := store.Remove(ctx, locator); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(ctx, locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if err := store.Touch(ctx, locator, func(*Attributes) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("touch on missing entry should fail, got %v", err)
	}
}

func TestFileStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	locator := Locator{Repository: "maven", Path: "/org"}

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	base, err := fs.entryPath(locator)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(base+bodySuffix, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestFindOrCreateComponentIsStable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	first, err := store.FindOrCreateComponent(ctx, "pypi", "foo", "1.0")
	if err != nil {
		t.Fatalf("create component: %v", err)
	}
	second, err := store.FindOrCreateComponent(ctx, "pypi", "foo", "1.0")
	if err != nil {
		t.Fatalf("find component: %v", err)
	}
	if first.Ref != second.Ref || !first.CreatedAt.Equal(second.CreatedAt) {
		t.Fatalf("component should be reused: %+v vs %+v", first, second)
	}
	other, _ := store.FindOrCreateComponent(ctx, "pypi", "foo", "2.0")
	if other.Ref == first.Ref {
		t.Fatalf("different versions must not share a ref")
	}
}

func TestStagerComputesChecksums(t *testing.T) {
	stager, err := NewStager(filepath.Join(t.TempDir(), "staging"))
	if err != nil {
		t.Fatalf("stager: %v", err)
	}
	staged, err := stager.Stage(context.Background(), strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	defer staged.Cleanup()
	if staged.Size != 7 || staged.SHA1 != payloadSHA1 || staged.SHA256 != payloadSHA256 {
		t.Fatalf("unexpected staged digest: %+v", staged)
	}
	staged.Cleanup()
	if _, err := os.Stat(staged.Path); !os.IsNotExist(err) {
		t.Fatalf("cleanup should remove staging file")
	}
}

func TestObjectKey(t *testing.T) {
	cases := map[string]string{
		"/":             "r/_index",
		"/simple/":      "r/simple/_index",
		"/simple/foo/":  "r/simple/foo/_index",
		"/foo":          "r/foo",
		"//a//b":        "r/a/b",
		"/@scope%2fpkg": "r/@scope%2fpkg",
	}
	for in, want := range cases {
		got, err := objectKey(Locator{Repository: "r", Path: in})
		if err != nil || got != want {
			t.Fatalf("objectKey(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := objectKey(Locator{Repository: "a/b", Path: "/x"}); err == nil {
		t.Fatalf("repository names containing separators must be rejected")
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    []string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, aws.ToString(in.Key))
	raw, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(raw)), ContentLength: aws.Int64(int64(len(raw)))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(raw)))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	raw, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = raw
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return &s3.CreateBucketOutput{}, nil
}

func TestS3StoreRoundTrip(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	stager, _ := NewStager(t.TempDir())
	store := newS3Store(fake, S3Config{Bucket: "artifacts", Prefix: "/repo-data/"}, stager, logger)
	ctx := context.Background()
	locator := Locator{Repository: "npm", Path: "/foo/-/foo-1.0.0.tgz"}

	if _, err := store.Put(ctx, locator, strings.NewReader("payload"), Attributes{ContentType: "application/octet-stream"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := fake.objects["repo-data/npm/foo/-/foo-1.0.0.tgz.body"]; !ok {
		t.Fatalf("body object missing, have %v", keys(fake.objects))
	}

	res, err := store.Get(ctx, locator)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(res.Reader)
	res.Reader.Close()
	if string(body) != "payload" || res.Entry.Attributes.SHA256 != payloadSHA256 {
		t.Fatalf("unexpected entry: %s %+v", body, res.Entry.Attributes)
	}

	component, err := store.FindOrCreateComponent(ctx, "npm", "foo", "1.0.0")
	if err != nil || component.Ref != ComponentRef("npm", "foo", "1.0.0") {
		t.Fatalf("component: %+v %v", component, err)
	}

	if err := store.Remove(ctx, locator); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Get(ctx, locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestS3StoreStatSkipsBodyDownload(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	stager, _ := NewStager(t.TempDir())
	store := newS3Store(fake, S3Config{Bucket: "artifacts"}, stager, logger)
	ctx := context.Background()
	locator := Locator{Repository: "npm", Path: "/foo"}

	if _, err := store.Put(ctx, locator, strings.NewReader("payload"), Attributes{ETag: `"v1"`}); err != nil {
		t.Fatalf("put: %v", err)
	}
	fake.gets = nil

	entry, err := store.Stat(ctx, locator)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if entry.SizeBytes != 7 || entry.Attributes.ETag != `"v1"` || entry.Attributes.SHA256 != payloadSHA256 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	for _, key := range fake.gets {
		if strings.HasSuffix(key, bodySuffix) {
			t.Fatalf("stat must not download the body, fetched %s", key)
		}
	}
	if _, err := store.Stat(ctx, Locator{Repository: "npm", Path: "/missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreStat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	locator := Locator{Repository: "npm", Path: "/foo"}
	if _, err := store.Put(ctx, locator, strings.NewReader("payload"), Attributes{Kind: "index"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, err := store.Stat(ctx, locator)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if entry.SizeBytes != 7 || entry.Attributes.Kind != "index" || entry.Attributes.SHA1 != payloadSHA1 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if _, err := store.Stat(ctx, Locator{Repository: "npm", Path: "/missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreWritesAttributesBeforeBody(t *testing.T) {
	store := newTestStore(t).(*fileStore)
	var order []string
	store.rename = func(oldpath, newpath string) error {
		switch {
		case strings.HasSuffix(newpath, attrsSuffix):
			order = append(order, "attrs")
		case strings.HasSuffix(newpath, bodySuffix):
			order = append(order, "body")
			return errors.New("disk full")
		}
		return os.Rename(oldpath, newpath)
	}
	ctx := context.Background()
	locator := Locator{Repository: "npm", Path: "/foo"}

	if _, err := store.Put(ctx, locator, strings.NewReader("payload"), Attributes{}); err == nil {
		t.Fatalf("expected put to fail when the body cannot be published")
	}
	if len(order) != 2 || order[0] != "attrs" || order[1] != "body" {
		t.Fatalf("attributes must be published before the body, got %v", order)
	}
	if _, err := store.Get(ctx, locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unpublished body must read as missing, got %v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(store.basePath, "npm", ".content-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temporary body should be removed, found %v", leftovers)
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
