package credentials

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/unimailhq/unimail/interfaces"
	coreerrors "github.com/unimailhq/unimail/internal/errors"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/internal/utils"
)

const refreshLeaseTTL = time.Minute

// Service owns credential refresh and rotation for accounts. It shares the
// per-account lease manager with the sync orchestrator; a worker that already
// holds its account lease re-enters it here instead of deadlocking.
type Service struct {
	secrets  interfaces.SecretStore
	locker   interfaces.AccountLocker
	logger   logger.Logger
	endpoint oauth2.Endpoint
}

func NewService(secrets interfaces.SecretStore, locker interfaces.AccountLocker, log logger.Logger) *Service {
	return &Service{
		secrets: secrets,
		locker:  locker,
		logger:  log,
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
}

func (s *Service) Get(ctx context.Context, accountID string) (*interfaces.CredentialSnapshot, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "credentials.Service.Get")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	snapshot, err := s.secrets.Read(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return snapshot, nil
}

// RefreshExpired performs exactly one refresh-and-persist cycle. The
// per-account lease serializes racing workers: the second racer waits, then
// re-reads and finds the version already advanced, and reuses that snapshot
// instead of refreshing again (a second refresh would invalidate the first
// token with some providers).
func (s *Service) RefreshExpired(ctx context.Context, accountID string, owner string, seenVersion int64) (*interfaces.CredentialSnapshot, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "credentials.Service.RefreshExpired")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	if err := s.locker.Acquire(ctx, accountID, owner, refreshLeaseTTL); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	defer s.locker.Release(accountID, owner)

	current, err := s.secrets.Read(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	if current.Version > seenVersion {
		// Someone else already rotated; reuse their result.
		span.SetTag("refresh_reused", true)
		return current, nil
	}

	refreshed, err := s.refresh(ctx, current)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	refreshed.Version = current.Version + 1

	if err := s.secrets.Write(ctx, accountID, refreshed); err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "persisting refreshed credentials")
	}

	s.logger.Infof("Rotated credentials for account %s to version %d", accountID, refreshed.Version)
	return refreshed, nil
}

func (s *Service) refresh(ctx context.Context, snapshot *interfaces.CredentialSnapshot) (*interfaces.CredentialSnapshot, error) {
	// Password credentials have nothing to rotate; the operator must fix
	// them out of band.
	if snapshot.RefreshToken == "" {
		return nil, coreerrors.Terminal(coreerrors.ErrCredentialNotRefreshable)
	}

	conf := &oauth2.Config{
		ClientID:     snapshot.ClientID,
		ClientSecret: snapshot.ClientSecret,
		Endpoint:     s.endpoint,
	}

	source := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: snapshot.RefreshToken,
		Expiry:       utils.Now().Add(-time.Minute),
	})

	token, err := source.Token()
	if err != nil {
		return nil, coreerrors.Terminal(errors.Wrap(coreerrors.ErrAuthFailed, err.Error()))
	}

	refreshed := *snapshot
	refreshed.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	refreshed.TokenExpiry = token.Expiry

	return &refreshed, nil
}
