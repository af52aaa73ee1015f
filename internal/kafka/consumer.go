package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/steamquest/internal/config"
	"github.com/steamquest/internal/domain"
)

// AwardHandler credits points ingested from Kafka. It returns how many
// awards, in order, were handled before the first failure.
type AwardHandler interface {
	AwardBatch(ctx context.Context, batch domain.BatchPointsAward) (int, error)
}

// retryBackoff is the pause before a failed batch is handed back to Kafka
const retryBackoff = time.Second

// Consumer consumes point-award messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       AwardHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	retryBackoff  time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler AwardHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		retryBackoff:  retryBackoff,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.AwardsTopic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.AwardsTopic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	<-c.ready
	c.logger.Info("Kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim batches award messages from a partition and hands them to the
// ledger. An offset is marked only once its award was handled, so a failed
// batch ends the session and the unmarked messages are delivered again
// (at-least-once).
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	logger := h.consumer.logger
	batch := make([]domain.PointsAward, 0, cfg.BatchSize)
	pending := make([]*sarama.ConsumerMessage, 0, cfg.BatchSize)
	// undecodable messages seen while a batch is open; marked with it
	var dropped []*sarama.ConsumerMessage
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() error {
		if len(batch) == 0 {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		handled, err := h.consumer.handler.AwardBatch(ctx, domain.BatchPointsAward{Awards: batch})
		handled = min(handled, len(pending))
		for _, message := range pending[:handled] {
			session.MarkMessage(message, "")
		}
		if err == nil {
			for _, message := range dropped {
				session.MarkMessage(message, "")
			}
		}
		batch = batch[:0]
		pending = pending[:0]
		dropped = dropped[:0]

		if err != nil {
			logger.Error("failed to process batch, awaiting redelivery",
				"error", err,
				"handled", handled,
				"partition", claim.Partition(),
			)
			select {
			case <-time.After(h.consumer.retryBackoff):
			case <-session.Context().Done():
			}
			return fmt.Errorf("processing award batch: %w", err)
		}
		logger.Debug("processed batch", "batch_size", handled)
		return nil
	}

	for {
		select {
		case <-session.Context().Done():
			return processBatch()

		case <-batchTimer.C:
			if err := processBatch(); err != nil {
				return err
			}
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				return processBatch()
			}

			award, err := DecodeAward(message.Value)
			if err != nil {
				logger.Warn("dropping award message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				if len(batch) == 0 {
					session.MarkMessage(message, "")
				} else {
					dropped = append(dropped, message)
				}
				continue
			}

			batch = append(batch, award)
			pending = append(pending, message)

			if len(batch) >= cfg.BatchSize {
				if err := processBatch(); err != nil {
					return err
				}
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

// DecodeAward parses and validates one award message
func DecodeAward(data []byte) (domain.PointsAward, error) {
	var award domain.PointsAward
	if err := json.Unmarshal(data, &award); err != nil {
		return award, fmt.Errorf("unmarshaling award: %w", err)
	}
	if award.PlayerID == "" {
		return award, fmt.Errorf("%w: player_id is required", domain.ErrInvalidRequest)
	}
	if award.Points <= 0 {
		return award, domain.ErrInvalidPoints
	}
	if award.Reason == "" {
		award.Reason = "external"
	}
	return award, nil
}
