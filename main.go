package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/any-repo/internal/config"
	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/repository"
	"github.com/any-hub/any-repo/internal/version"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// errSilent 表示错误已输出，cobra 不再重复打印。
var errSilent = errors.New("silent")

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 运行 CLI 并返回退出码，方便测试。
func execute(args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintln(stdErr, err.Error())
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	var configFlag string

	root := &cobra.Command{
		Use:           "any-repo",
		Short:         "Hosted, proxy and group package repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configFlag))
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ANY_REPO_CONFIG 覆盖）")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configFlag))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "仅校验配置后退出",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runCheckConfig(resolveConfigPath(configFlag))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(stdOut, version.Full())
		},
	})

	tree := &cobra.Command{
		Use:   "tree",
		Short: "浏览树维护",
	}
	tree.AddCommand(&cobra.Command{
		Use:   "purge <repository>",
		Short: "删除仓库的全部浏览树节点",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTreeMaintenance(cmd.Context(), resolveConfigPath(configFlag), args[0], treePurge)
		},
	})
	tree.AddCommand(&cobra.Command{
		Use:   "trim <repository>",
		Short: "删除没有内容也没有子节点的目录节点",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTreeMaintenance(cmd.Context(), resolveConfigPath(configFlag), args[0], treeTrim)
		},
	})
	root.AddCommand(tree)
	return root
}

// resolveConfigPath 计算最终配置路径：flag 优先于环境变量，最后回落到默认值。
func resolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	return config.DefaultPath()
}

func loadConfigAndLogger(path string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return nil, nil, errSilent
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return nil, nil, errSilent
	}
	return cfg, logger, nil
}

func runCheckConfig(path string) error {
	cfg, logger, err := loadConfigAndLogger(path)
	if err != nil {
		return err
	}
	if _, err := repository.NewRegistry(cfg); err != nil {
		fmt.Fprintf(stdErr, "构建仓库注册表失败: %v\n", err)
		return errSilent
	}
	fields := logging.BaseFields("check_config", path)
	fields["repositories"] = len(cfg.Repositories)
	fields["credentials"] = config.CredentialModes(cfg.Repositories)
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return nil
}

func runServe(ctx context.Context, path string) error {
	cfg, logger, err := loadConfigAndLogger(path)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 仓库注册表 → 内容存储/浏览树 → 缓存与访问控制 → Fiber server。
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return errSilent
	}
	defer svc.Close()

	app, err := svc.newApp()
	if err != nil {
		fmt.Fprintf(stdErr, "构建 HTTP 服务失败: %v\n", err)
		return errSilent
	}

	fields := logging.BaseFields("startup", path)
	fields["repositories"] = len(cfg.Repositories)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["tree_backend"] = svc.treeBackend
	fields["credentials"] = config.CredentialModes(cfg.Repositories)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Global.ListenPort,
	}).Info("Fiber 服务启动")
	if err := app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort)); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return errSilent
	}
	return nil
}

type treeOperation string

const (
	treePurge treeOperation = "purge"
	treeTrim  treeOperation = "trim"
)

func runTreeMaintenance(ctx context.Context, path, name string, op treeOperation) error {
	cfg, logger, err := loadConfigAndLogger(path)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return errSilent
	}
	defer svc.Close()

	repo, ok := svc.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("未知仓库: %s", name)
	}
	if repo.Type == repository.TypeGroup {
		return fmt.Errorf("分组仓库 %s 没有自己的浏览树", name)
	}

	var removed bool
	switch op {
	case treePurge:
		removed, err = svc.tree.DeleteAllNodes(ctx, repo.ID)
	case treeTrim:
		removed, err = svc.tree.TrimDanglingNodes(ctx, repo.ID)
	}
	fields := logging.TreeFields(string(op), repo.Name, repo.ID)
	fields["removed_any"] = removed
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("tree_maintenance_failed")
		return errSilent
	}
	logger.WithFields(fields).Info("tree_maintenance_complete")
	return nil
}
