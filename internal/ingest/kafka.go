package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig holds consumer configuration
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	MaxRate       int // events/sec relayed, excess is dropped (default: 1000)
	Guard         Backpressure
	Logger        zerolog.Logger
}

// KafkaSource consumes upstream events with franz-go and broadcasts them.
type KafkaSource struct {
	client *kgo.Client
	relay  *relay
	logger zerolog.Logger
	topics []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaSource(cfg KafkaConfig, p Publisher) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if p == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	logger := cfg.Logger.With().Str("component", "kafka").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()), // live updates only
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().
				Interface("partitions", assigned).
				Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().
				Interface("partitions", revoked).
				Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaSource{
		client: client,
		relay:  newRelay(monitoring.SourceKafka, p, cfg.MaxRate, cfg.Guard, logger),
		logger: logger,
		topics: cfg.Topics,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins consuming in the background.
func (k *KafkaSource) Start() {
	k.logger.Info().
		Strs("topics", k.topics).
		Msg("Starting Kafka consumer")

	k.wg.Add(1)
	go k.consumeLoop()
}

// Stop ends the consume loop and closes the client.
func (k *KafkaSource) Stop() {
	k.logger.Info().Msg("Stopping Kafka consumer")
	k.cancel()
	k.wg.Wait()
	k.client.Close()

	st := k.relay.stats()
	k.logger.Info().
		Uint64("processed", st.Processed).
		Uint64("failed", st.Failed).
		Uint64("dropped", st.Dropped).
		Msg("Kafka consumer stopped")
}

func (k *KafkaSource) Stats() Stats { return k.relay.stats() }

func (k *KafkaSource) consumeLoop() {
	defer k.wg.Done()
	defer monitoring.RecoverPanic(k.logger, "kafkaConsumeLoop", map[string]any{
		"topics": k.topics,
	})

	for {
		fetches := k.client.PollFetches(k.ctx)
		if fetches.IsClientClosed() || k.ctx.Err() != nil {
			return
		}

		for _, err := range fetches.Errors() {
			monitoring.RecordError(monitoring.ErrorTypeIngest, monitoring.SeverityWarning)
			k.logger.Error().
				Err(err.Err).
				Str("topic", err.Topic).
				Int32("partition", err.Partition).
				Msg("Fetch error")
		}

		fetches.EachRecord(k.processRecord)
	}
}

func (k *KafkaSource) processRecord(record *kgo.Record) {
	ev, err := eventFromRecord(record)
	if err != nil {
		k.relay.fail(err, record.Topic)
		return
	}
	k.relay.deliver(ev, record.Topic)
}

// eventFromRecord accepts either a full Event envelope or a bare payload.
// For a bare payload the kind comes from the topic's last dot segment and
// the game or scenario id from the record key.
func eventFromRecord(record *kgo.Record) (Event, error) {
	if !json.Valid(record.Value) {
		return Event{}, fmt.Errorf("%w: record value is not JSON", ErrMalformedEvent)
	}

	var ev Event
	if err := json.Unmarshal(record.Value, &ev); err != nil || ev.Type == "" {
		ev = Event{Payload: record.Value}
	}

	if ev.Type == "" {
		channel := record.Topic[strings.LastIndexByte(record.Topic, '.')+1:]
		kind, ok := kindForChannel(channel)
		if !ok {
			return Event{}, fmt.Errorf("%w: topic %q", ErrUnroutable, record.Topic)
		}
		ev.Type = kind
	}

	if ev.Topic == "" && ev.GameID == "" && ev.ScenarioID == "" {
		key := string(record.Key)
		if key == "" {
			return Event{}, fmt.Errorf("%w: record has no key", ErrUnroutable)
		}
		if ev.Type == messaging.KindPredictionComplete {
			ev.ScenarioID = key
		} else {
			ev.GameID = key
		}
	}
	return ev, nil
}
