package indexer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jpillora/backoff"
	"github.com/opentracing/opentracing-go"

	"github.com/unimailhq/unimail/config"
	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/tracing"
)

type operation struct {
	emailID string
	doc     *interfaces.SearchDocument
	delete  bool
}

// Pipeline feeds stored messages into the search index from a bounded queue
// of worker goroutines. Index failures are retried with backoff inside the
// pipeline; they never surface into the sync path that enqueued the work. A
// message dropped after exhausting retries is logged and lost from search
// only, never from the database.
type Pipeline struct {
	cfg    *config.IndexerConfig
	log    logger.Logger
	search interfaces.SearchIndex

	queue chan operation

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewPipeline(cfg *config.IndexerConfig, log logger.Logger, search interfaces.SearchIndex) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		log:    log,
		search: search,
		queue:  make(chan operation, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

// Stop drains the queue: operations already enqueued are still attempted,
// but retry waits are cut short so shutdown is not held up by a failing
// search engine.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		close(p.queue)
		p.wg.Wait()
	})
}

func (p *Pipeline) EnqueueUpsert(email *models.Email) {
	p.enqueue(operation{emailID: email.ID, doc: buildDocument(email)})
}

func (p *Pipeline) EnqueueDelete(emailID string) {
	p.enqueue(operation{emailID: emailID, delete: true})
}

func (p *Pipeline) enqueue(op operation) {
	defer func() {
		if recover() != nil {
			p.log.Warnf("index pipeline stopped, dropping operation for email %s", op.emailID)
		}
	}()

	select {
	case p.queue <- op:
	default:
		// A full queue means the search engine is far behind; shedding the
		// operation keeps ingestion moving.
		p.log.Warnf("index queue full, dropping operation for email %s", op.emailID)
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	defer tracing.RecoverAndLog(p.log)

	for op := range p.queue {
		p.process(op)
	}
}

func (p *Pipeline) process(op operation) {
	span := opentracing.StartSpan("IndexPipeline.process")
	defer span.Finish()
	tracing.TagComponentWorker(span)
	span.SetTag("email_id", op.emailID)
	span.SetTag("delete", op.delete)

	retry := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    p.cfg.MaxInterval,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := p.apply(ctx, op)
		cancel()
		if err == nil {
			return
		}

		tracing.TraceErr(span, err)
		if attempt == p.cfg.MaxRetries {
			p.log.Errorf("dropping index operation for email %s after %d attempts: %v", op.emailID, attempt+1, err)
			return
		}

		p.log.Warnf("index operation for email %s failed, retrying: %v", op.emailID, err)
		select {
		case <-time.After(retry.Duration()):
		case <-p.done:
			return
		}
	}
}

func (p *Pipeline) apply(ctx context.Context, op operation) error {
	if op.delete {
		return p.search.Delete(ctx, op.emailID)
	}
	return p.search.Upsert(ctx, op.emailID, op.doc)
}

func buildDocument(email *models.Email) *interfaces.SearchDocument {
	return &interfaces.SearchDocument{
		ID:          email.ID,
		AccountID:   email.AccountID,
		ThreadID:    email.ThreadID,
		Folder:      email.Folder,
		Subject:     email.Subject,
		FromAddress: email.FromAddress,
		ToAddresses: email.ToAddresses,
		Body:        searchableBody(email),
		SentAt:      email.SentAt,
	}
}

// searchableBody prefers the plain text body and falls back to stripping the
// HTML one.
func searchableBody(email *models.Email) string {
	if strings.TrimSpace(email.BodyText) != "" {
		return email.BodyText
	}
	if email.BodyHTML == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(email.BodyHTML))
	if err != nil {
		return email.BodyHTML
	}
	doc.Find("script,style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
