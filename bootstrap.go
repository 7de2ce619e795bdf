package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/eve-kill/imageserver/internal/assets"
	"github.com/eve-kill/imageserver/internal/cache"
	"github.com/eve-kill/imageserver/internal/config"
	"github.com/eve-kill/imageserver/internal/imagecache"
	"github.com/eve-kill/imageserver/internal/imaging"
	"github.com/eve-kill/imageserver/internal/kinds"
	"github.com/eve-kill/imageserver/internal/revalidate"
	"github.com/eve-kill/imageserver/internal/server"
	"github.com/eve-kill/imageserver/internal/server/routes"
	"github.com/eve-kill/imageserver/internal/stats"
	"github.com/eve-kill/imageserver/internal/upstream"
)

const placeholderProbeTimeout = 10 * time.Second

// application 持有运行期的全部组件，便于统一启动与关闭。
type application struct {
	cfg         *config.Config
	logger      *logrus.Logger
	kinds       *kinds.Table
	app         *fiber.App
	revalidator *revalidate.Revalidator
	folders     *stats.FolderReporter
}

// bootstrap 按依赖顺序构建组件；只有缓存目录不可用或配置非法时返回错误。
func bootstrap(ctx context.Context, cfg *config.Config, fsys afero.Fs, logger *logrus.Logger) (*application, error) {
	g := cfg.Global

	store, err := cache.NewStore(fsys, g.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	meta := cache.NewMetadataStore(fsys, store, g.RevalidationInterval.DurationValue())

	table, err := kinds.NewDefaultTable(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建资源类型表失败: %w", err)
	}

	catalog := assets.NewCatalog(fsys, assets.Options{
		AssetRoot:   g.AssetRoot,
		LegacyDir:   g.LegacyPortraitDir,
		MappingPath: g.ServiceMetadataPath,
	})
	client := upstream.NewClient(cfg)
	probe := upstream.NewPlaceholderProbe(client, g.PlaceholderCharacterID)

	// 映射文件与占位探测互不依赖，并行完成；两者失败都只降级不退出。
	var group errgroup.Group
	group.Go(func() error {
		count, err := catalog.LoadMapping()
		fields := logrus.Fields{"action": "load_mapping", "path": g.ServiceMetadataPath}
		if err != nil {
			logger.WithError(err).WithFields(fields).Warn("service_metadata_unavailable")
			return fmt.Errorf("load service metadata: %w", err)
		}
		fields["types"] = count
		logger.WithFields(fields).Info("service_metadata_loaded")
		return nil
	})
	group.Go(func() error {
		probeCtx, cancel := context.WithTimeout(ctx, placeholderProbeTimeout)
		defer cancel()
		if err := probe.Init(probeCtx, logger); err != nil {
			return fmt.Errorf("placeholder probe: %w", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		logger.WithError(err).WithField("action", "startup").Warn("startup_degraded")
	}

	overlays := imaging.NewOverlayLibrary(fsys, g.OverlayDir)
	service, err := imagecache.NewService(imagecache.Deps{
		Kinds:       table,
		Store:       store,
		Metadata:    meta,
		Pipeline:    imaging.NewPipeline(overlays, logger),
		Upstream:    client,
		BaseURL:     client.BaseURL(),
		Assets:      catalog,
		Placeholder: probe,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	revalidator := revalidate.New(revalidate.Deps{
		Kinds:    table,
		Store:    store,
		Metadata: meta,
		Checker:  client,
		BaseURL:  client.BaseURL(),
		Logger:   logger,
	}, revalidate.Options{
		InitialDelay: g.SweepInitialDelay.DurationValue(),
		Interval:     g.SweepInterval.DurationValue(),
		Concurrency:  g.SweepConcurrency,
	})

	dirs := make([]string, 0, len(table.List()))
	for _, kind := range table.List() {
		dirs = append(dirs, kind.Dir)
	}
	folders := stats.NewFolderReporter(fsys, store.Root(), dirs, g.FolderStatsInterval.DurationValue(), logger)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Images:     service,
		Kinds:      table,
		ListenPort: g.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterStatusRoutes(app, routes.StatusOptions{
		Sweeps:    revalidator,
		Folders:   folders,
		Mapping:   catalog,
		StartedAt: time.Now(),
	})
	routes.RegisterKindRoutes(app, table)

	return &application{
		cfg:         cfg,
		logger:      logger,
		kinds:       table,
		app:         app,
		revalidator: revalidator,
		folders:     folders,
	}, nil
}

// serve 启动后台任务与 HTTP 服务，ctx 结束时优雅关闭。
func (a *application) serve(ctx context.Context) error {
	a.revalidator.Start(ctx)
	a.folders.Start(ctx)
	defer a.folders.Stop()
	defer a.revalidator.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			a.logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
			if err := a.app.Shutdown(); err != nil {
				a.logger.WithError(err).WithField("action", "shutdown").Warn("shutdown_failed")
			}
		case <-done:
		}
	}()

	port := a.cfg.Global.ListenPort
	a.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err := a.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
