package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/unimailhq/unimail/api"
	"github.com/unimailhq/unimail/config"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/services"
)

type Server struct {
	config       *config.Config
	log          logger.Logger
	httpServer   *http.Server
	router       *gin.Engine
	services     *services.Services
	repositories *repository.Repositories
	tracerCloser io.Closer
}

func NewServer(cfg *config.Config, db *gorm.DB) (*Server, error) {
	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	tracer, closer, err := tracing.NewJaegerTracer(cfg.Tracing, appLogger)
	if err != nil {
		log.Fatalf("Could not initialize jaeger tracer: %s", err.Error())
	}
	opentracing.SetGlobalTracer(tracer)

	repos := repository.InitRepositories(db)

	svcs, err := services.InitServices(cfg, appLogger, repos, newKubernetesClient(appLogger))
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	return &Server{
		config:       cfg,
		log:          appLogger,
		router:       router,
		services:     svcs,
		repositories: repos,
		tracerCloser: closer,
		httpServer: &http.Server{
			Addr:    ":" + cfg.AppConfig.APIPort,
			Handler: router,
		},
	}, nil
}

// newKubernetesClient returns nil outside a cluster; the scheduler then runs
// without leader election.
func newKubernetesClient(log logger.Logger) kubernetes.Interface {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		log.Infof("no in-cluster kubernetes config, scheduler runs standalone: %v", err)
		return nil
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		log.Warnf("could not build kubernetes client: %v", err)
		return nil
	}
	return client
}

func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api.RegisterRoutes(ctx, s.router, s.services, s.repositories, s.config.AppConfig.APIKey)

	s.services.IndexPipeline.Start()

	go func() {
		defer tracing.RecoverAndLog(s.log)
		if err := s.services.Orchestrator.Run(); err != nil {
			s.log.Errorf("job consumer stopped: %v", err)
		}
	}()

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName, _ = os.Hostname()
	}
	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		namespace = "default"
	}
	if err := s.services.Scheduler.Start(podName, namespace); err != nil {
		return err
	}

	go func() {
		defer tracing.RecoverAndLog(s.log)
		s.log.Infof("http server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()

	return s.waitForShutdown()
}

func (s *Server) waitForShutdown() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	s.log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("http server shutdown error: %v", err)
	}

	s.services.Scheduler.Stop()

	if err := s.services.JobQueue.Close(); err != nil {
		s.log.Errorf("job queue shutdown error: %v", err)
	}

	// Drains whatever the workers already accepted before the queue closed.
	s.services.IndexPipeline.Stop()

	if s.tracerCloser != nil {
		s.tracerCloser.Close()
	}

	s.log.Info("shutdown complete")
	return nil
}
