package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Dhoini/credit-ledger/pkg/logger"
	kafkaGo "github.com/segmentio/kafka-go"
)

// RequiredTopics топики, которые публикует сервис
func RequiredTopics(prefix string) []kafkaGo.TopicConfig {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return []kafkaGo.TopicConfig{
		{Topic: prefix + TopicTransactions, NumPartitions: 6, ReplicationFactor: 1},
		{Topic: prefix + TopicJobs, NumPartitions: 3, ReplicationFactor: 1},
		{Topic: prefix + TopicAlerts, NumPartitions: 1, ReplicationFactor: 1},
	}
}

// EnsureTopics проверяет и создает необходимые топики Kafka.
func EnsureTopics(ctx context.Context, cfg *Config, log *logger.Logger) error {
	required := RequiredTopics(cfg.TopicPrefix)
	log.Infow("Ensuring Kafka topics exist...", "topics", topicNames(required))

	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Brokers[0]) == "" {
		return errors.New("kafka broker address is empty")
	}
	broker := strings.TrimSpace(cfg.Brokers[0])
	if _, _, err := net.SplitHostPort(broker); err != nil {
		return fmt.Errorf("invalid broker address %s: %w", broker, err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := kafkaGo.DialContext(connCtx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	defer conn.Close()

	// создавать топики нужно через контроллер
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller lookup failed: %w", err)
	}
	ctrlConn, err := kafkaGo.DialContext(connCtx, "tcp", net.JoinHostPort(controller.Host, fmt.Sprint(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka controller connection failed: %w", err)
	}
	defer ctrlConn.Close()

	partitions, err := ctrlConn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka read partitions failed: %w", err)
	}
	existing := make(map[string]bool)
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	missing := MissingTopics(required, existing)
	if len(missing) == 0 {
		log.Infow("All required topics already exist.")
		return nil
	}

	if err := ctrlConn.CreateTopics(missing...); err != nil {
		if errors.Is(err, kafkaGo.TopicAlreadyExists) {
			log.Warnw("One or more topics already existed during creation attempt", "topics", topicNames(missing))
			return nil
		}
		log.Errorw("Failed to create topics", "error", err, "topics", topicNames(missing))
		return fmt.Errorf("kafka create topics failed: %w", err)
	}
	log.Infow("Successfully created topics", "topics", topicNames(missing))
	return nil
}

// MissingTopics отбирает отсутствующие топики
func MissingTopics(required []kafkaGo.TopicConfig, existing map[string]bool) []kafkaGo.TopicConfig {
	var missing []kafkaGo.TopicConfig
	for _, tc := range required {
		if !existing[tc.Topic] {
			missing = append(missing, tc)
		}
	}
	return missing
}

func topicNames(configs []kafkaGo.TopicConfig) []string {
	names := make([]string, 0, len(configs))
	for _, tc := range configs {
		names = append(names, tc.Topic)
	}
	return names
}
