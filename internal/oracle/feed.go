package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	fpmath "PerpEngine/internal/math"
)

// PriceMessage is the wire format published by upstream price feeds.
// Price is a decimal string in the feed's native precision; normalization
// to wad happens here, at the boundary.
type PriceMessage struct {
	Market    string `json:"market"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"` // epoch microseconds
}

// Subscriber consumes index-price updates from NATS JetStream and feeds the
// cache. Price gaps are tolerable: each update fully replaces the previous
// point, so dropped messages only widen staleness.
type Subscriber struct {
	js       jetstream.JetStream
	cache    *Cache
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

// NewSubscriber creates a subscriber feeding the given cache.
func NewSubscriber(js jetstream.JetStream, cache *Cache, log zerolog.Logger) *Subscriber {
	return &Subscriber{js: js, cache: cache, log: log}
}

// EnsureStream creates the index-price stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_INDEX_PRICES",
		Subjects:  []string{"perp.index.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create index price stream: %w", err)
	}
	return nil
}

// Subscribe starts consuming perp.index.> with a durable consumer.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, "PERP_INDEX_PRICES", jetstream.ConsumerConfig{
		Durable:       "engine-index-prices",
		FilterSubject: "perp.index.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		// Only the latest price matters on restart.
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return fmt.Errorf("create index price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := s.handle(msg.Data()); err != nil {
			s.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("index price rejected")
		}
		// Always ACK: a malformed price cannot become valid on redelivery.
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume index prices: %w", err)
	}

	s.consumer = cc
	s.log.Info().Msg("subscribed to index price feed")
	return nil
}

func (s *Subscriber) handle(data []byte) error {
	var pm PriceMessage
	if err := json.Unmarshal(data, &pm); err != nil {
		return fmt.Errorf("unmarshal price: %w", err)
	}
	if pm.Market == "" {
		return fmt.Errorf("price message missing market")
	}

	price, err := NormalizePrice(pm.Price)
	if err != nil {
		return err
	}

	return s.cache.Set(pm.Market, price, time.UnixMicro(pm.Timestamp))
}

// Stop halts the consumer.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}

// NormalizePrice converts a feed's decimal price string into wad scale,
// whatever the feed's native number of decimal places.
func NormalizePrice(raw string) (*big.Int, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("price %q must be positive", raw)
	}
	return d.Shift(fpmath.WadDecimals).BigInt(), nil
}

// ConnectNATS establishes a NATS connection with reconnect handling and
// returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
