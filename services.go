package main

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/access"
	"github.com/any-hub/any-repo/internal/browse"
	"github.com/any-hub/any-repo/internal/browse/memory"
	"github.com/any-hub/any-repo/internal/browse/postgres"
	"github.com/any-hub/any-repo/internal/config"
	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/group"
	"github.com/any-hub/any-repo/internal/proxy"
	"github.com/any-hub/any-repo/internal/repository"
	"github.com/any-hub/any-repo/internal/selector"
	"github.com/any-hub/any-repo/internal/server"
	"github.com/any-hub/any-repo/internal/transport"
)

// services 持有一次进程生命周期内共享的组件实例。
type services struct {
	cfg         *config.Config
	logger      *logrus.Logger
	registry    *repository.Registry
	content     content.Store
	stager      *content.Stager
	tree        *browse.Store
	treeBackend string
	policy      *access.Policy
	cache       *proxy.Cache
	closers     []func() error
}

func buildServices(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*services, error) {
	registry, err := repository.NewRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建仓库注册表失败: %w", err)
	}
	svc := &services{cfg: cfg, logger: logger, registry: registry}

	svc.stager, err = content.NewStager(cfg.Global.StagingPath)
	if err != nil {
		return nil, err
	}
	if svc.content, err = openContentStore(ctx, cfg.Global, svc.stager, logger); err != nil {
		return nil, err
	}

	opts := browse.Options{BatchSize: cfg.Global.TrimBatchSize}
	if cfg.Global.DatabaseURL != "" {
		session, err := postgres.Open(cfg.Global.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, session.Close)
		if err := session.Migrate(ctx); err != nil {
			svc.Close()
			return nil, err
		}
		svc.tree = browse.NewStore(session, logger, opts)
		svc.treeBackend = "postgres"
	} else {
		svc.tree = browse.NewStore(memory.New(), logger, opts)
		svc.treeBackend = "memory"
	}

	svc.policy = access.Empty()
	if cfg.Global.SecurityFile != "" {
		if svc.policy, err = access.Load(cfg.Global.SecurityFile); err != nil {
			svc.Close()
			return nil, err
		}
	}

	svc.cache, err = proxy.New(proxy.Options{
		Content: svc.content,
		Transport: transport.New(transport.Options{
			Timeout:        cfg.Global.UpstreamTimeout.DurationValue(),
			MaxRetries:     cfg.Global.MaxRetries,
			InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
			Logger:         logger,
		}),
		Tree:             svc.tree,
		Stager:           svc.stager,
		Cooperation:      proxy.NewSingleflightCooperation(),
		NegativeCacheTTL: cfg.Global.NegativeCacheTTL.DurationValue(),
		Logger:           logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func openContentStore(ctx context.Context, g config.GlobalConfig, stager *content.Stager, logger *logrus.Logger) (content.Store, error) {
	if g.StorageBackend == config.StorageBackendS3 {
		return content.NewS3Store(ctx, content.S3Config{
			Endpoint:  g.S3Endpoint,
			Bucket:    g.S3Bucket,
			Region:    g.S3Region,
			AccessKey: g.S3AccessKey,
			SecretKey: g.S3SecretKey,
			Prefix:    g.S3Prefix,
		}, stager, logger)
	}
	return content.NewFileStore(g.StoragePath)
}

// newApp 按仓库类型装配下载链路：proxy 走缓存，hosted 直读内容存储，group 依次委托成员。
func (s *services) newApp() (*fiber.App, error) {
	hosted := proxy.NewHostedSource(s.content)
	groupFetch := group.NewFetch(s.registry, map[repository.Type]proxy.Source{
		repository.TypeProxy:  s.cache,
		repository.TypeHosted: hosted,
	}, s.logger)

	forwarder := proxy.NewForwarder(s.logger).
		Register(repository.TypeProxy, proxy.NewHandler(s.cache, s.logger)).
		Register(repository.TypeHosted, proxy.NewHandler(hosted, s.logger)).
		Register(repository.TypeGroup, proxy.NewHandler(groupFetch, s.logger))

	assets := &repository.Assets{Content: s.content, Tree: s.tree, Logger: s.logger}
	return server.NewApp(server.AppOptions{
		Logger:         s.logger,
		Registry:       s.registry,
		Fetch:          forwarder,
		Uploads:        server.NewUploads(assets, s.stager, s.logger),
		Browser:        group.NewLayer(s.registry, s.tree, s.policy, selector.NewCompiler(s.logger, nil), s.logger),
		Principals:     access.NewPrincipalResolver(s.cfg.Global.JWTSecret, s.cfg.Global.PrincipalHeader, s.logger),
		BrowseMaxNodes: s.cfg.Global.BrowseMaxNodes,
		ListenPort:     s.cfg.Global.ListenPort,
	})
}

// Close 释放数据库连接等资源。
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.WithError(err).Warn("service_close_failed")
		}
	}
	s.closers = nil
}
