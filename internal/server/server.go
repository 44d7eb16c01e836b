// Пакет server — HTTP-сервер girder-sync с graceful shutdown.
// Без TLS: сервис работает за обратным прокси.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/api/middleware"
	"github.com/vickyapril02/girder-redcap-mimic-sync/internal/config"
)

// RouteRegistrar регистрирует маршруты в роутере.
type RouteRegistrar interface {
	Routes(r chi.Router)
}

// Server — HTTP-сервер girder-sync.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, handler RouteRegistrar) *Server {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(chimw.RequestID)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	handler.Routes(router)

	// WriteTimeout покрывает и синхронную передачу файла в Girder
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Handler возвращает корневой обработчик со всеми middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
