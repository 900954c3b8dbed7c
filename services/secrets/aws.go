package secrets

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/unimailhq/unimail/config"
	"github.com/unimailhq/unimail/interfaces"
	coreerrors "github.com/unimailhq/unimail/internal/errors"
	"github.com/unimailhq/unimail/internal/tracing"
)

// AWSSecretStore keeps per-account credentials in AWS Secrets Manager, one
// secret per account under a common prefix.
type AWSSecretStore struct {
	client *secretsmanager.SecretsManager
	prefix string
}

func NewAWSSecretStore(cfg *config.SecretsConfig) (interfaces.SecretStore, error) {
	s, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
	})
	if err != nil {
		return nil, err
	}

	return &AWSSecretStore{
		client: secretsmanager.New(s),
		prefix: cfg.Prefix,
	}, nil
}

func (s *AWSSecretStore) secretName(accountID string) string {
	return s.prefix + "/" + accountID
}

func (s *AWSSecretStore) Read(ctx context.Context, accountID string) (*interfaces.CredentialSnapshot, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AWSSecretStore.Read")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	out, err := s.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretName(accountID)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
			return nil, coreerrors.ErrCredentialNotFound
		}
		tracing.TraceErr(span, err)
		return nil, err
	}

	var snapshot interfaces.CredentialSnapshot
	if err := json.Unmarshal([]byte(aws.StringValue(out.SecretString)), &snapshot); err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "decoding credential snapshot")
	}
	snapshot.AccountID = accountID

	return &snapshot, nil
}

func (s *AWSSecretStore) Write(ctx context.Context, accountID string, snapshot *interfaces.CredentialSnapshot) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AWSSecretStore.Write")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	payload, err := json.Marshal(snapshot)
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "encoding credential snapshot")
	}

	_, err = s.client.PutSecretValueWithContext(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(s.secretName(accountID)),
		SecretString: aws.String(string(payload)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
			_, err = s.client.CreateSecretWithContext(ctx, &secretsmanager.CreateSecretInput{
				Name:         aws.String(s.secretName(accountID)),
				SecretString: aws.String(string(payload)),
			})
		}
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}
