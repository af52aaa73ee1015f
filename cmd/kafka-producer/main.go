// Command kafka-producer grants points to existing players by publishing
// award messages to the awards topic. It is meant for load tests and for
// crediting bonuses from outside the API.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"github.com/steamquest/internal/domain"
)

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "steamquest-point-awards", "Awards topic")
	players := flag.String("players", "", "Steam IDs to credit (comma-separated, required)")
	reason := flag.String("reason", "bonus", "Reason recorded with each award")
	minPoints := flag.Int64("min", 5, "Minimum points per award")
	maxPoints := flag.Int64("max", 60, "Maximum points per award")
	rate := flag.Int("rate", 10, "Awards per second")
	count := flag.Int("count", 0, "Number of awards to send (0 = until interrupted)")
	flag.Parse()

	ids := splitList(*players)
	if len(ids) == 0 {
		log.Fatal("-players is required")
	}
	if *minPoints <= 0 || *maxPoints < *minPoints {
		log.Fatalf("invalid points range [%d, %d]", *minPoints, *maxPoints)
	}
	if *rate <= 0 {
		log.Fatal("-rate must be positive")
	}

	fmt.Printf("Brokers: %s | Topic: %s | Players: %d | Rate: %d/s\n", *brokers, *topic, len(ids), *rate)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(splitList(*brokers), config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	shutdown := func() {
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-sigChan:
			fmt.Println("Shutting down...")
			shutdown()
			return

		case <-ticker.C:
			if *count > 0 && sent >= *count {
				shutdown()
				return
			}

			award := domain.PointsAward{
				PlayerID: ids[rand.IntN(len(ids))],
				Points:   *minPoints + rand.Int64N(*maxPoints-*minPoints+1),
				Reason:   *reason,
			}
			data, err := json.Marshal(award)
			if err != nil {
				log.Printf("Failed to marshal award: %v", err)
				continue
			}

			producer.Input() <- &sarama.ProducerMessage{
				Topic: *topic,
				Key:   sarama.StringEncoder(award.PlayerID),
				Value: sarama.ByteEncoder(data),
			}
			sent++
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
