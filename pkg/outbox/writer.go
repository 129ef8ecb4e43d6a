package outbox

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// NewWriter returns a producer that keys partitions by aggregate id, so one aggregate's
// events stay in order.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}
