// Package notify publica eventos de oferta e de saldo para os consumidores de
// notificação (push/e-mail). Publicação é fire-and-forget: erro é logado e
// nunca desfaz a mutação no ledger.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/radieske/lvnd-offer-ledger/internal/shared/kafka"
	"github.com/radieske/lvnd-offer-ledger/pkg/contracts/events"
	"github.com/radieske/lvnd-offer-ledger/pkg/contracts/topics"
)

var published = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lvnd_notifications_published_total",
	Help: "Notification events by topic and result",
}, []string{"topic", "result"})

type Publisher interface {
	OfferReceived(ctx context.Context, e events.OfferReceived)
	OfferAccepted(ctx context.Context, e events.OfferAccepted)
	OfferRejected(ctx context.Context, e events.OfferRejected)
	OfferClosed(ctx context.Context, e events.OfferClosed)
	BalanceCredited(ctx context.Context, e events.BalanceCredited)
}

// Topics mapeia cada evento para o writer do seu tópico
type Topics struct {
	OfferReceived   kafka.MessageWriter
	OfferAccepted   kafka.MessageWriter
	OfferRejected   kafka.MessageWriter
	OfferClosed     kafka.MessageWriter
	BalanceCredited kafka.MessageWriter
}

type KafkaPublisher struct {
	log     *zap.Logger
	w       Topics
	timeout time.Duration
}

func NewKafkaPublisher(log *zap.Logger, w Topics) *KafkaPublisher {
	return &KafkaPublisher{log: log, w: w, timeout: 3 * time.Second}
}

// OfferReceived vai com a chave do receptor: o consumidor de push agrupa por destinatário
func (p *KafkaPublisher) OfferReceived(ctx context.Context, e events.OfferReceived) {
	p.publish(ctx, topics.OfferReceived, p.w.OfferReceived, e.ReceiverID, e)
}

func (p *KafkaPublisher) OfferAccepted(ctx context.Context, e events.OfferAccepted) {
	p.publish(ctx, topics.OfferAccepted, p.w.OfferAccepted, e.OfferID, e)
}

func (p *KafkaPublisher) OfferRejected(ctx context.Context, e events.OfferRejected) {
	p.publish(ctx, topics.OfferRejected, p.w.OfferRejected, e.OfferID, e)
}

func (p *KafkaPublisher) OfferClosed(ctx context.Context, e events.OfferClosed) {
	p.publish(ctx, topics.OfferClosed, p.w.OfferClosed, e.OfferID, e)
}

func (p *KafkaPublisher) BalanceCredited(ctx context.Context, e events.BalanceCredited) {
	p.publish(ctx, topics.BalanceCredited, p.w.BalanceCredited, e.UserID, e)
}

func (p *KafkaPublisher) publish(ctx context.Context, name string, w kafka.MessageWriter, key string, payload any) {
	if w == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("marshal notification", zap.String("event", name), zap.Error(err))
		return
	}
	// não herda o cancelamento da requisição: a mutação já foi confirmada
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := kafka.WriteJSON(ctx, w, key, b); err != nil {
		published.WithLabelValues(name, "error").Inc()
		p.log.Warn("publish notification failed",
			zap.String("event", name),
			zap.String("key", key),
			zap.Error(err))
		return
	}
	published.WithLabelValues(name, "ok").Inc()
}

func (p *KafkaPublisher) Close() error {
	var first error
	for _, w := range []kafka.MessageWriter{p.w.OfferReceived, p.w.OfferAccepted, p.w.OfferRejected, p.w.OfferClosed, p.w.BalanceCredited} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nop descarta os eventos (storage em memória / testes)
type Nop struct{}

func (Nop) OfferReceived(context.Context, events.OfferReceived)     {}
func (Nop) OfferAccepted(context.Context, events.OfferAccepted)     {}
func (Nop) OfferRejected(context.Context, events.OfferRejected)     {}
func (Nop) OfferClosed(context.Context, events.OfferClosed)         {}
func (Nop) BalanceCredited(context.Context, events.BalanceCredited) {}
