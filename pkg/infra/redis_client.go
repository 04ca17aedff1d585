package infra

import (
	"context"

	"urban-assist/urban-assist-queue-server/pkg/config"

	"github.com/go-redis/redis/v8"
)

func ProvideRedisClient(cfg *config.Config, loggerFactory *LoggerFactory) (*redis.Client, error) {
	logger := loggerFactory.Create("RedisClient").Sugar()

	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisHost,
		DB:   cfg.RedisDb,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			logger.Infof("redis connected to host[%v] db[%v]", cfg.RedisHost, cfg.RedisDb)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Errorf("cannot ping redis host[%v] %v", cfg.RedisHost, err)
		return nil, err
	}

	return client, nil
}
