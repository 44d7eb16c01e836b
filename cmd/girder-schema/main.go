// girder-schema — однократное построение дерева папок Girder по справочникам
// из PostgreSQL. С флагом -validate только проверяет сохранённые папки.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/app"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/config"
)

func main() {
	validate := flag.Bool("validate", false, "только проверить существование сохранённых папок")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := config.SetupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, logger, *validate))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, validate bool) int {
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		return 1
	}
	defer a.Close()

	if validate {
		problems, err := a.Schema.Validate(ctx)
		if err != nil {
			logger.Error("Ошибка проверки дерева папок", slog.String("error", err.Error()))
			return 1
		}
		for _, p := range problems {
			logger.Warn("Папка не найдена в Girder",
				slog.String("level", p.Level),
				slog.Int64("entity_id", p.EntityID),
				slog.String("name", p.Name),
				slog.String("folder_id", p.FolderID),
				slog.String("error", p.Error),
			)
		}
		if len(problems) > 0 {
			return 2
		}
		logger.Info("Все сохранённые папки существуют")
		return 0
	}

	if cfg.SeedData {
		if _, err := a.Seed.Seed(ctx); err != nil {
			logger.Error("Ошибка заполнения справочников", slog.String("error", err.Error()))
			return 1
		}
	}

	res, err := a.Schema.Build(ctx)
	if err != nil {
		logger.Error("Ошибка построения дерева папок", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("Дерево папок построено",
		slog.Int("document_types", res.DocumentTypes),
		slog.Int("folders_created", res.FoldersCreated),
		slog.Int("folders_reused", res.FoldersReused),
		slog.Duration("duration", res.CompletedAt.Sub(res.StartedAt)),
	)
	return 0
}
