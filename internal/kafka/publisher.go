package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/credit-ledger/internal/domain"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
)

// DefaultTopicPrefix префикс топиков по умолчанию
const DefaultTopicPrefix = "ledger."

// Суффиксы топиков
const (
	TopicTransactions = "transactions"
	TopicJobs         = "jobs"
	TopicAlerts       = "alerts"
)

// Типы событий в заголовке event_type
const (
	EventTransactionApplied = "transaction.applied"
	EventJobResolved        = "job.resolved"
	EventOperatorAlert      = "operator.alert"
)

// Envelope тело сообщения
type Envelope struct {
	Type      string      `json:"type"`
	AccountID string      `json:"account_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher публикует события журнала после фиксации транзакции БД.
type Publisher struct {
	producer       sarama.SyncProducer
	prefix         string
	maxElapsedTime time.Duration
	log            *logger.Logger
}

// NewProducer создает sarama.SyncProducer по конфигурации
func NewProducer(cfg *Config, log *logger.Logger) (sarama.SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create producer: %w", err)
	}
	log.Infow("Kafka producer initialized", "brokers", cfg.Brokers)
	return producer, nil
}

// NewPublisher оборачивает продюсер
func NewPublisher(producer sarama.SyncProducer, cfg *Config, log *logger.Logger) *Publisher {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Publisher{
		producer:       producer,
		prefix:         prefix,
		maxElapsedTime: cfg.Producer.MaxElapsedTime,
		log:            log,
	}
}

// Topic полное имя топика
func (p *Publisher) Topic(suffix string) string {
	return p.prefix + suffix
}

// PublishTransaction публикует применённую транзакцию, ключ = account id.
func (p *Publisher) PublishTransaction(ctx context.Context, txn *domain.Transaction) error {
	return p.publish(ctx, TopicTransactions, txn.AccountID, Envelope{
		Type:      EventTransactionApplied,
		AccountID: txn.AccountID,
		Data:      txn,
	})
}

// PublishJobResolved публикует конечное состояние задачи
func (p *Publisher) PublishJobResolved(ctx context.Context, job *domain.TranscriptionJob) error {
	return p.publish(ctx, TopicJobs, job.AccountID, Envelope{
		Type:      EventJobResolved,
		AccountID: job.AccountID,
		Data:      job,
	})
}

// PublishAlert публикует событие для ручной сверки
func (p *Publisher) PublishAlert(ctx context.Context, alert domain.OperatorAlert) error {
	return p.publish(ctx, TopicAlerts, alert.Provider+":"+alert.EventID, Envelope{
		Type:      EventOperatorAlert,
		AccountID: alert.AccountID,
		Data:      alert,
	})
}

func (p *Publisher) publish(ctx context.Context, suffix, key string, env Envelope) error {
	topic := p.Topic(suffix)
	env.Timestamp = time.Now().UTC()

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", env.Type, err)
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte(env.Type),
			},
		},
		Timestamp: env.Timestamp,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if p.maxElapsedTime > 0 {
		b.MaxElapsedTime = p.maxElapsedTime
	}

	var partition int32
	var offset int64
	operation := func() error {
		var sendErr error
		partition, offset, sendErr = p.producer.SendMessage(message)
		if errors.Is(sendErr, sarama.ErrClosedClient) || errors.Is(sendErr, sarama.ErrMessageSizeTooLarge) {
			return backoff.Permanent(sendErr)
		}
		return sendErr
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		p.log.Errorw("Failed to publish event", "topic", topic, "type", env.Type, "error", err)
		return fmt.Errorf("failed to publish %s event: %w", env.Type, err)
	}

	p.log.Debugw("Published event", "topic", topic, "type", env.Type, "partition", partition, "offset", offset)
	return nil
}

// Close закрывает продюсер
func (p *Publisher) Close() error {
	return p.producer.Close()
}

// NopPublisher используется, когда Kafka отключена.
type NopPublisher struct{}

func (NopPublisher) PublishTransaction(context.Context, *domain.Transaction) error       { return nil }
func (NopPublisher) PublishJobResolved(context.Context, *domain.TranscriptionJob) error { return nil }
func (NopPublisher) PublishAlert(context.Context, domain.OperatorAlert) error           { return nil }
