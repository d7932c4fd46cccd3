package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/store"
)

const kafkaWriteTimeout = 3 * time.Second

var publishCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minichat",
	Name:      "events_published_total",
	Help:      "Events written to kafka, by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(publishCounter)
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type KafkaConf struct {
	Brokers []string
	Topic   string
	// Events larger than this are not written.
	MaxBytes int
}

// KafkaPublisher writes events keyed by recipient, so one user's events stay in one partition.
type KafkaPublisher struct {
	writer   IKafkaWriter
	maxBytes int
}

func NewKafkaPublisher(conf *KafkaConf) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  conf.Brokers,
		Topic:    conf.Topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
	glog.Infof("kafka publisher: brokers: %v, topic: %s", conf.Brokers, conf.Topic)
	return newKafkaPublisher(w, conf.MaxBytes)
}

func newKafkaPublisher(w IKafkaWriter, maxBytes int) *KafkaPublisher {
	return &KafkaPublisher{writer: w, maxBytes: maxBytes}
}

func (p *KafkaPublisher) MessageSent(ctx context.Context, msg *store.Message) {
	ev := &Event{Type: TypeMessageSent, Message: msg, Time: time.Now()}
	if err := p.write(ctx, msg.ReceiverId, ev); err != nil {
		publishCounter.WithLabelValues("error").Inc()
		glog.Errorf("publish %s, msg: %s, err: %v", ev.Type, msg.Id, err)
		return
	}
	publishCounter.WithLabelValues("ok").Inc()
	glog.V(5).Infof("published %s, msg: %s", ev.Type, msg.Id)
}

func (p *KafkaPublisher) write(ctx context.Context, key string, ev *Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if p.maxBytes > 0 && len(value) > p.maxBytes {
		return fmt.Errorf("event exceeds max limit: %d bytes", p.maxBytes)
	}

	ctx2, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx2, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
