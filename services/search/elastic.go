package search

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/unimailhq/unimail/config"
	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/tracing"
)

// ElasticSearchIndex implements the search engine contract. Upserts are
// idempotent by document id, so redelivery from the index pipeline never
// double-counts.
type ElasticSearchIndex struct {
	client *elasticsearch.Client
	index  string
}

func NewElasticSearchIndex(cfg *config.SearchConfig) (interfaces.SearchIndex, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating elasticsearch client")
	}

	return &ElasticSearchIndex{
		client: client,
		index:  cfg.Index,
	}, nil
}

func (s *ElasticSearchIndex) Upsert(ctx context.Context, id string, doc *interfaces.SearchDocument) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ElasticSearchIndex.Upsert")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("document_id", id)

	payload, err := json.Marshal(doc)
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "encoding search document")
	}

	req := esapi.IndexRequest{
		Index:      s.index,
		DocumentID: id,
		Body:       bytes.NewReader(payload),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		err := errors.Errorf("index upsert failed with status %s", res.Status())
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (s *ElasticSearchIndex) Delete(ctx context.Context, id string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ElasticSearchIndex.Delete")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("document_id", id)

	req := esapi.DeleteRequest{
		Index:      s.index,
		DocumentID: id,
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	defer res.Body.Close()

	// Deleting a document that was never indexed is a no-op.
	if res.IsError() && res.StatusCode != 404 {
		err := errors.Errorf("index delete failed with status %s", res.Status())
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}
