package services

import (
	"k8s.io/client-go/kubernetes"

	"github.com/unimailhq/unimail/config"
	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/locking"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/services/credentials"
	"github.com/unimailhq/unimail/services/indexer"
	"github.com/unimailhq/unimail/services/messages"
	"github.com/unimailhq/unimail/services/providers"
	"github.com/unimailhq/unimail/services/queue"
	"github.com/unimailhq/unimail/services/search"
	"github.com/unimailhq/unimail/services/secrets"
	"github.com/unimailhq/unimail/services/storage"
	syncservice "github.com/unimailhq/unimail/services/sync"
)

type Services struct {
	BlobStorage       interfaces.BlobStorage
	SecretStore       interfaces.SecretStore
	SearchIndex       interfaces.SearchIndex
	JobQueue          interfaces.JobQueue
	AccountLocker     interfaces.AccountLocker
	CredentialManager interfaces.CredentialManager
	MessageStore      interfaces.MessageStore
	IndexPipeline     interfaces.IndexPipeline
	ProviderRegistry  *providers.Registry
	Orchestrator      *syncservice.Orchestrator
	Scheduler         *syncservice.Scheduler
}

func InitServices(cfg *config.Config, log logger.Logger, repos *repository.Repositories, k8s kubernetes.Interface) (*Services, error) {
	blobs, err := storage.NewS3BlobStorage(cfg.S3Storage)
	if err != nil {
		return nil, err
	}

	secretStore, err := secrets.NewAWSSecretStore(cfg.Secrets)
	if err != nil {
		return nil, err
	}

	searchIndex, err := search.NewElasticSearchIndex(cfg.Search)
	if err != nil {
		return nil, err
	}

	jobQueue, err := queue.NewRabbitMQJobQueue(cfg.AppConfig.RabbitMQURL, log)
	if err != nil {
		return nil, err
	}

	locker := locking.NewLeaseManager()
	credentialManager := credentials.NewService(secretStore, locker, log)
	messageStore := messages.NewStore(log, repos, blobs)
	indexPipeline := indexer.NewPipeline(cfg.Indexer, log, searchIndex)
	registry := providers.NewRegistry(log)

	orchestrator := syncservice.NewOrchestrator(
		cfg.Sync,
		log,
		repos,
		jobQueue,
		locker,
		credentialManager,
		registry,
		messageStore,
		indexPipeline,
	)
	scheduler := syncservice.NewScheduler(cfg.Sync, log, repos, jobQueue, k8s)

	return &Services{
		BlobStorage:       blobs,
		SecretStore:       secretStore,
		SearchIndex:       searchIndex,
		JobQueue:          jobQueue,
		AccountLocker:     locker,
		CredentialManager: credentialManager,
		MessageStore:      messageStore,
		IndexPipeline:     indexPipeline,
		ProviderRegistry:  registry,
		Orchestrator:      orchestrator,
		Scheduler:         scheduler,
	}, nil
}
