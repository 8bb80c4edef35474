package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	taskChannelPrefix = "taskbus:wake:task:"
	fanoutChannel     = "taskbus:wake:fanout"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// Redis carries wake-up hints over pub/sub. A missed message only costs one
// poll interval of latency, so delivery guarantees are not needed here.
type Redis struct {
	redisdb *redis.Client
	log     *slog.Logger
	sub     *redis.PubSub
}

func NewRedis(cfg Config, log *slog.Logger) *Redis {
	redisdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	return &Redis{redisdb: redisdb, log: log}
}

// this ping function checks redis connectivity

func (r *Redis) Ping(ctx context.Context) error {
	return r.redisdb.Ping(ctx).Err()
}

func (r *Redis) TaskCreated(ctx context.Context, queue string) {
	if err := r.redisdb.Publish(ctx, taskChannelPrefix+queue, "1").Err(); err != nil {
		r.log.Debug("task wakeup publish failed", "queue", queue, "err", err)
	}
}

func (r *Redis) EventPublished(ctx context.Context) {
	if err := r.redisdb.Publish(ctx, fanoutChannel, "1").Err(); err != nil {
		r.log.Debug("fanout wakeup publish failed", "err", err)
	}
}

// Listen subscribes to the queue's task channel and the shared fanout
// channel, dispatching hints until the context ends.
func (r *Redis) Listen(ctx context.Context, queue string, onTask, onFanout func()) error {
	taskChannel := taskChannelPrefix + queue

	sub := r.redisdb.Subscribe(ctx, taskChannel, fanoutChannel)

	// force the subscription now so a dead redis surfaces at startup
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}

	r.sub = sub

	go func() {
		ch := sub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				switch msg.Channel {
				case taskChannel:
					if onTask != nil {
						onTask()
					}
				case fanoutChannel:
					if onFanout != nil {
						onFanout()
					}
				}
			}
		}
	}()

	return nil
}

// this closes the client

func (r *Redis) Close() error {
	if r.sub != nil {
		r.sub.Close()
	}
	return r.redisdb.Close()
}
