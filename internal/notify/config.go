package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tramiteline/internal/config"
	"tramiteline/internal/repo"
)

// FromConfig builds the fan-out described by cfg.Sinks. The returned close function releases
// broker clients and is safe to call once.
func FromConfig(ctx context.Context, cfg config.NotificationsConfig, r repo.Repo, logger *zap.Logger) (Sink, func() error, error) {
	var (
		sinks   []Named
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	for _, name := range cfg.Sinks {
		switch name {
		case "store":
			sinks = append(sinks, Named{Name: name, Sink: StoreSink{Repo: r}})
		case "log":
			sinks = append(sinks, Named{Name: name, Sink: LogSink{Logger: logger}})
		case "redis":
			client, err := NewRedisClient(ctx, cfg.Redis.URL)
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}
			closers = append(closers, client.Close)
			sinks = append(sinks, Named{Name: name, Sink: RedisSink{Client: client, Prefix: cfg.Redis.ChannelPrefix}})
		case "kafka":
			client, err := NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.Topic)
			if err != nil {
				_ = closeAll()
				return nil, nil, err
			}
			closers = append(closers, func() error { client.Close(); return nil })
			sinks = append(sinks, Named{Name: name, Sink: KafkaSink{Producer: client, Topic: cfg.Kafka.Topic}})
		default:
			_ = closeAll()
			return nil, nil, fmt.Errorf("unknown notification sink %q", name)
		}
	}
	if len(sinks) == 0 {
		return Discard{}, closeAll, nil
	}
	return Fanout{Sinks: sinks, Timeout: cfg.Timeout()}, closeAll, nil
}
