package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/metrics"
)

// S3Config 描述 S3/MinIO 存储后端。
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// Prefix 为所有对象 key 增加的前缀，可为空。
	Prefix string
}

// objectAPI 是 S3 存储依赖的客户端子集，*s3.Client 满足该接口。
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

type s3Store struct {
	client objectAPI
	bucket string
	prefix string
	stager *Stager
	logger *logrus.Logger
	now    func() time.Time
}

// NewS3Store 使用 path-style 访问构建 S3 后端，正文上传前先写入 stager 以计算校验和。
func NewS3Store(ctx context.Context, cfg S3Config, stager *Stager, logger *logrus.Logger) (Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	store := newS3Store(client, cfg, stager, logger)
	if err := store.ensureBucket(ctx); err != nil {
		store.logger.WithError(err).WithField("bucket", cfg.Bucket).Error("s3_bucket_check_failed")
	}
	return store, nil
}

func newS3Store(client objectAPI, cfg S3Config, stager *Stager, logger *logrus.Logger) *s3Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if stager == nil {
		stager = &Stager{}
	}
	return &s3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		stager: stager,
		logger: logger,
		now:    time.Now,
	}
}

func (s *s3Store) ensureBucket(ctx context.Context) error {
	start := time.Now()
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		metrics.RecordS3Operation("head_bucket", time.Since(start), true)
		return nil
	}
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		metrics.RecordS3Operation("create_bucket", time.Since(start), false)
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.bucket, err)
	}
	metrics.RecordS3Operation("create_bucket", time.Since(start), true)
	s.logger.WithField("bucket", s.bucket).Info("s3_bucket_created")
	return nil
}

func (s *s3Store) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	key, err := s.key(locator)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key + bodySuffix),
	})
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	metrics.RecordS3Operation("get_object", time.Since(start), true)

	attrs, err := s.readAttributes(ctx, key)
	if err != nil {
		out.Body.Close()
		return nil, err
	}
	if attrs.CachedAt.IsZero() && out.LastModified != nil {
		attrs.CachedAt = out.LastModified.UTC()
	}
	size := attrs.Size
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &ReadResult{
		Entry:  Entry{Locator: locator, SizeBytes: size, Attributes: attrs},
		Reader: out.Body,
	}, nil
}

// Stat 以 HEAD 请求确认正文存在，只下载属性对象。
func (s *s3Store) Stat(ctx context.Context, locator Locator) (*Entry, error) {
	key, err := s.key(locator)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key + bodySuffix),
	})
	if err != nil {
		metrics.RecordS3Operation("head_object", time.Since(start), false)
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}
	metrics.RecordS3Operation("head_object", time.Since(start), true)

	attrs, err := s.readAttributes(ctx, key)
	if err != nil {
		return nil, err
	}
	if attrs.CachedAt.IsZero() && out.LastModified != nil {
		attrs.CachedAt = out.LastModified.UTC()
	}
	size := attrs.Size
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &Entry{Locator: locator, SizeBytes: size, Attributes: attrs}, nil
}

func (s *s3Store) Put(ctx context.Context, locator Locator, body io.Reader, attrs Attributes) (*Entry, error) {
	key, err := s.key(locator)
	if err != nil {
		return nil, err
	}

	staged, err := s.stager.Stage(ctx, body)
	if err != nil {
		return nil, err
	}
	defer staged.Cleanup()
	f, err := staged.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	start := time.Now()
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key + bodySuffix),
		Body:          f,
		ContentLength: aws.Int64(staged.Size),
	}
	if attrs.ContentType != "" {
		input.ContentType = aws.String(attrs.ContentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		metrics.RecordS3Operation("put_object", time.Since(start), false)
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}
	metrics.RecordS3Operation("put_object", time.Since(start), true)

	attrs.SHA1, attrs.SHA256, attrs.Size = staged.SHA1, staged.SHA256, staged.Size
	if attrs.CachedAt.IsZero() {
		attrs.CachedAt = s.now().UTC()
	}
	if attrs.AssetRef == "" {
		attrs.AssetRef = uuid.NewString()
	}
	if err := s.putJSON(ctx, key+attrsSuffix, attrs); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"key": key, "size": staged.Size}).Debug("s3_put_object")
	return &Entry{Locator: locator, SizeBytes: staged.Size, Attributes: attrs}, nil
}

func (s *s3Store) Touch(ctx context.Context, locator Locator, update func(*Attributes)) error {
	key, err := s.key(locator)
	if err != nil {
		return err
	}
	attrs, err := s.readAttributes(ctx, key)
	if err != nil {
		return err
	}
	update(&attrs)
	return s.putJSON(ctx, key+attrsSuffix, attrs)
}

func (s *s3Store) Remove(ctx context.Context, locator Locator) error {
	key, err := s.key(locator)
	if err != nil {
		return err
	}
	for _, k := range []string{key + bodySuffix, key + attrsSuffix} {
		start := time.Now()
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(k),
		})
		metrics.RecordS3Operation("delete_object", time.Since(start), err == nil)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("delete object %s: %w", k, err)
		}
	}
	return nil
}

func (s *s3Store) FindOrCreateComponent(ctx context.Context, repository, name, version string) (Component, error) {
	if _, err := objectKey(Locator{Repository: repository}); err != nil {
		return Component{}, err
	}
	ref := ComponentRef(repository, name, version)
	key := s.withPrefix(".components/" + repository + "/" + ref + ".json")

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		defer out.Body.Close()
		var existing Component
		if decodeErr := json.NewDecoder(out.Body).Decode(&existing); decodeErr == nil {
			return existing, nil
		}
	} else if !isNotFound(err) {
		return Component{}, fmt.Errorf("get component %s: %w", ref, err)
	}

	component := Component{Ref: ref, Repository: repository, Name: name, Version: version, CreatedAt: s.now().UTC()}
	if err := s.putJSON(ctx, key, component); err != nil {
		return Component{}, err
	}
	return component, nil
}

func (s *s3Store) readAttributes(ctx context.Context, key string) (Attributes, error) {
	var attrs Attributes
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key + attrsSuffix),
	})
	if err != nil {
		if isNotFound(err) {
			return attrs, nil
		}
		return attrs, fmt.Errorf("get attributes %s: %w", key, err)
	}
	defer out.Body.Close()
	if err := json.NewDecoder(out.Body).Decode(&attrs); err != nil {
		return attrs, fmt.Errorf("decode attributes %s: %w", key, err)
	}
	return attrs, nil
}

func (s *s3Store) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(raw),
		ContentLength: aws.Int64(int64(len(raw))),
		ContentType:   aws.String("application/json"),
	})
	metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) key(locator Locator) (string, error) {
	key, err := objectKey(locator)
	if err != nil {
		return "", err
	}
	return s.withPrefix(key), nil
}

func (s *s3Store) withPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
