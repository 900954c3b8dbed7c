package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/tracing"
)

const (
	ExchangeUnimailDirect = "unimail-direct"

	QueueSyncJobs     = "sync-jobs"
	QueueSyncJobsWait = QueueSyncJobs + "-wait"
	DLQSyncJobs       = QueueSyncJobs + "-dlq"

	RoutingKeySyncJobs     = "sync-jobs"
	RoutingKeySyncJobsWait = "sync-jobs-wait"

	headerAttempt = "x-attempt"
	headerTraceID = "uber-trace-id"

	maxPriority = 10

	DefaultPublishTimeout      = 5 * time.Second
	DefaultReconnectBackoff    = time.Second
	DefaultMaxReconnectBackoff = 30 * time.Second
)

// RabbitMQJobQueue is the durable sync-job queue. Delayed deliveries go
// through a wait queue whose expired messages dead-letter back onto the main
// queue, which is how retry backoff and lease-contention re-queues are
// implemented without a broker plugin.
type RabbitMQJobQueue struct {
	url             string
	logger          logger.Logger
	connection      *amqp091.Connection
	connectionMutex sync.Mutex
	publishChannel  *amqp091.Channel
	publishMutex    sync.Mutex
	closed          chan struct{}
	closeOnce       sync.Once
}

func NewRabbitMQJobQueue(rabbitmqURL string, log logger.Logger) (*RabbitMQJobQueue, error) {
	q := &RabbitMQJobQueue{
		url:    rabbitmqURL,
		logger: log,
		closed: make(chan struct{}),
	}

	if err := q.connect(); err != nil {
		return nil, err
	}
	go q.handleReconnection()

	return q, nil
}

func (q *RabbitMQJobQueue) connect() error {
	q.connectionMutex.Lock()
	defer q.connectionMutex.Unlock()

	conn, err := amqp091.Dial(q.url)
	if err != nil {
		return errors.Wrap(err, "failed to connect to RabbitMQ")
	}
	q.connection = conn

	channel, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open channel")
	}

	if err := q.declareTopology(channel); err != nil {
		channel.Close()
		return err
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return errors.Wrap(err, "failed to enable publisher confirms")
	}
	q.publishMutex.Lock()
	q.publishChannel = channel
	q.publishMutex.Unlock()

	return nil
}

func (q *RabbitMQJobQueue) declareTopology(channel *amqp091.Channel) error {
	if err := channel.ExchangeDeclare(ExchangeUnimailDirect, "direct", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "failed to declare exchange")
	}

	_, err := channel.QueueDeclare(QueueSyncJobs, true, false, false, false, amqp091.Table{
		"x-max-priority":            int32(maxPriority),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DLQSyncJobs,
	})
	if err != nil {
		return errors.Wrap(err, "failed to declare sync jobs queue")
	}
	if err := channel.QueueBind(QueueSyncJobs, RoutingKeySyncJobs, ExchangeUnimailDirect, false, nil); err != nil {
		return errors.Wrap(err, "failed to bind sync jobs queue")
	}

	// Expired waiters dead-letter back onto the main queue.
	_, err = channel.QueueDeclare(QueueSyncJobsWait, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange":    ExchangeUnimailDirect,
		"x-dead-letter-routing-key": RoutingKeySyncJobs,
	})
	if err != nil {
		return errors.Wrap(err, "failed to declare wait queue")
	}
	if err := channel.QueueBind(QueueSyncJobsWait, RoutingKeySyncJobsWait, ExchangeUnimailDirect, false, nil); err != nil {
		return errors.Wrap(err, "failed to bind wait queue")
	}

	_, err = channel.QueueDeclare(DLQSyncJobs, true, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "failed to declare dead letter queue")
	}

	return nil
}

func (q *RabbitMQJobQueue) handleReconnection() {
	backoff := DefaultReconnectBackoff

	for {
		notifyClose := q.connection.NotifyClose(make(chan *amqp091.Error))
		select {
		case <-q.closed:
			return
		case err := <-notifyClose:
			if err == nil {
				return
			}
			q.logger.Warnf("RabbitMQ connection closed: %v, attempting to reconnect", err)
		}

		for {
			select {
			case <-q.closed:
				return
			default:
			}

			err := q.connect()
			if err == nil {
				q.logger.Info("Successfully reconnected to RabbitMQ")
				break
			}

			q.logger.Errorf("Failed to reconnect: %v, retrying in %v", err, backoff)
			time.Sleep(backoff)

			backoff *= 2
			if backoff > DefaultMaxReconnectBackoff {
				backoff = DefaultMaxReconnectBackoff
			}
		}

		backoff = DefaultReconnectBackoff
	}
}

func (q *RabbitMQJobQueue) Enqueue(ctx context.Context, msg interfaces.SyncJobMessage, opts interfaces.EnqueueOptions) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RabbitMQJobQueue.Enqueue")
	defer span.Finish()
	tracing.TagAccount(span, msg.AccountID)
	tracing.TagJob(span, msg.JobID)

	body, err := json.Marshal(msg)
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "encoding sync job message")
	}

	headers := amqp091.Table{headerAttempt: int32(msg.Attempt)}
	for k, v := range tracing.InjectQueueMessageHeaders(span) {
		headers[k] = v
	}

	publishing := amqp091.Publishing{
		MessageId:    uuid.New().String(),
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Priority:     opts.Priority,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	}

	routingKey := RoutingKeySyncJobs
	if opts.Delay > 0 {
		routingKey = RoutingKeySyncJobsWait
		publishing.Expiration = strconv.FormatInt(opts.Delay.Milliseconds(), 10)
	}

	publishCtx, cancel := context.WithTimeout(ctx, DefaultPublishTimeout)
	defer cancel()

	q.publishMutex.Lock()
	defer q.publishMutex.Unlock()

	confirm, err := q.publishChannel.PublishWithDeferredConfirmWithContext(
		publishCtx, ExchangeUnimailDirect, routingKey, false, false, publishing)
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "publishing sync job")
	}

	acked, err := confirm.WaitContext(publishCtx)
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "waiting for publish confirm")
	}
	if !acked {
		err := errors.New("broker nacked sync job publish")
		tracing.TraceErr(span, err)
		return err
	}

	return nil
}

func (q *RabbitMQJobQueue) Process(handler interfaces.JobHandler, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	go func() {
		for {
			select {
			case <-q.closed:
				return
			default:
			}

			channel, err := q.connection.Channel()
			if err != nil {
				q.logger.Errorf("Failed to open consume channel: %v. Retrying...", err)
				time.Sleep(5 * time.Second)
				continue
			}

			if err := channel.Qos(concurrency, 0, false); err != nil {
				q.logger.Errorf("Failed to set QoS: %v. Retrying...", err)
				channel.Close()
				time.Sleep(5 * time.Second)
				continue
			}

			deliveries, err := channel.Consume(QueueSyncJobs, "", false, false, false, false, nil)
			if err != nil {
				q.logger.Errorf("Failed to register consumer: %v. Retrying...", err)
				channel.Close()
				time.Sleep(5 * time.Second)
				continue
			}

			q.logger.Infof("Processing sync jobs with %d workers", concurrency)

			var wg sync.WaitGroup
			for i := 0; i < concurrency; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for d := range deliveries {
						q.handleDelivery(d, handler)
					}
				}()
			}
			wg.Wait()
			channel.Close()

			select {
			case <-q.closed:
				return
			default:
				q.logger.Warn("Sync job consumer lost connection. Reconnecting...")
				time.Sleep(5 * time.Second)
			}
		}
	}()

	return nil
}

func (q *RabbitMQJobQueue) handleDelivery(d amqp091.Delivery, handler interfaces.JobHandler) {
	defer tracing.RecoverAndLog(q.logger)

	ctx := context.Background()
	if traceID, ok := d.Headers[headerTraceID].(string); ok && traceID != "" {
		var span opentracing.Span
		ctx, span = tracing.StartQueueMessageTracerSpan(ctx, "RabbitMQJobQueue.handleDelivery", traceID)
		defer span.Finish()
	}

	var msg interfaces.SyncJobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		q.logger.Errorf("Discarding undecodable sync job message: %v", err)
		_ = d.Nack(false, false)
		return
	}
	if attempt, ok := d.Headers[headerAttempt].(int32); ok {
		msg.Attempt = int(attempt)
	}

	if err := handler(ctx, msg); err != nil {
		q.logger.Errorf("Sync job %s failed in handler: %v", msg.JobID, err)
		// Dead-letter; retries are explicit re-enqueues by the orchestrator.
		_ = d.Nack(false, false)
		return
	}

	_ = d.Ack(false)
}

func (q *RabbitMQJobQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})

	q.connectionMutex.Lock()
	defer q.connectionMutex.Unlock()
	if q.connection != nil && !q.connection.IsClosed() {
		return q.connection.Close()
	}
	return nil
}
