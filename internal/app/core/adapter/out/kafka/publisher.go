package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JoeShih716/go-economy-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-economy-ledger/internal/app/core/usecase"
)

// DefaultTopic 交易完成事件的預設 topic
const DefaultTopic = "transaction_completed"

// Config Kafka 發送端設定
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Synchronous 為 true 時 Publish 會等 broker 確認，預設非同步送出
	Synchronous bool `yaml:"synchronous"`
}

// messageWriter 是 *kafka.Writer 中用到的部分
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher 把 TransactionCompleted 以 JSON 送到 Kafka
type Publisher struct {
	writer  messageWriter
	timeout time.Duration
	log     *slog.Logger
}

// NewPublisher 建立 Publisher
// 非同步模式下 WriteMessages 只放進 writer 的批次緩衝，送出失敗由 Completion 記錄
func NewPublisher(cfg Config, log *slog.Logger) *Publisher {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{timeout: timeout, log: log}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: timeout,
		Async:        !cfg.Synchronous,
	}
	if w.Async {
		w.Completion = p.completed
	}
	p.writer = w
	return p
}

// completed 是非同步寫入的回呼，只記錄失敗
func (p *Publisher) completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, msg := range msgs {
		p.log.Error("failed to publish transaction event",
			"topic", msg.Topic, "transaction_id", string(msg.Key), "err", err)
	}
}

// Publish 送出事件；同步模式會等 broker 確認後才回傳
func (p *Publisher) Publish(ctx context.Context, event domain.TransactionCompleted) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(event.TransactionID, 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
		Time: event.OccurredAt,
	})
}

// Close 送出緩衝中的訊息後關閉連線
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ usecase.EventPublisher = (*Publisher)(nil)
