package providers

import (
	"github.com/pkg/errors"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/enum"
	"github.com/unimailhq/unimail/internal/logger"
)

// Constructor builds an adapter for one account from its current credential
// snapshot. Adapters are per-job: the orchestrator constructs one, syncs with
// it and closes it.
type Constructor func(snapshot *interfaces.CredentialSnapshot, log logger.Logger) (interfaces.ProviderAdapter, error)

type Registry struct {
	log          logger.Logger
	constructors map[enum.EmailProvider]Constructor
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		log: log,
		constructors: map[enum.EmailProvider]Constructor{
			enum.EmailProviderIMAP:  NewIMAPAdapter,
			enum.EmailProviderGmail: NewGmailAdapter,
		},
	}
}

// Register lets tests swap in fake adapters.
func (r *Registry) Register(provider enum.EmailProvider, constructor Constructor) {
	r.constructors[provider] = constructor
}

func (r *Registry) New(provider enum.EmailProvider, snapshot *interfaces.CredentialSnapshot) (interfaces.ProviderAdapter, error) {
	constructor, ok := r.constructors[provider]
	if !ok {
		return nil, errors.Errorf("unknown provider %s", provider)
	}
	return constructor(snapshot, r.log)
}
