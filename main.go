package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"github.com/eve-kill/imageserver/internal/config"
	"github.com/eve-kill/imageserver/internal/imaging"
	"github.com/eve-kill/imageserver/internal/logging"
	"github.com/eve-kill/imageserver/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath       string
	checkOnly        bool
	showVersion      bool
	generateOverlays bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	// .env 只用于补充环境变量，缺失时忽略。
	_ = godotenv.Load()

	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["kind_overrides"] = len(cfg.Kinds)
		fields["cache_root"] = cfg.Global.CacheRoot
		fields["upstream"] = cfg.Global.UpstreamBaseURL
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	fsys := afero.NewOsFs()
	if opts.generateOverlays {
		written, err := imaging.GenerateOverlaySizes(fsys, cfg.Global.OverlayDir, imaging.OverlaySizes)
		fields := logging.BaseFields("generate_overlays", opts.configPath)
		fields["dir"] = cfg.Global.OverlayDir
		fields["generated"] = len(written)
		if err != nil {
			logger.WithError(err).WithFields(fields).Error("叠加图生成失败")
			return 1
		}
		logger.WithFields(fields).Info("叠加图生成完成")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动遵循“配置 → 缓存目录 → 资源类型表 → 本地资源/上游 → 编排器 → 后台任务 → Fiber”顺序。
	application, err := bootstrap(ctx, cfg, fsys, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_root"] = cfg.Global.CacheRoot
	fields["kinds"] = application.kinds.Names()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := application.serve(ctx); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		overlays   bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 IMAGESERVER_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&overlays, "generate-overlays", false, "根据 OverlayDir 中的原始叠加图生成各尺寸版本后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(config.EnvPrefix + "_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:       path,
		checkOnly:        checkOnly,
		showVersion:      showVer,
		generateOverlays: overlays,
	}, nil
}
