package internal

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

func init() {
	Producers = append(Producers, "redis")
}

// RedisProducer publishes events over redis pub/sub.
type RedisProducer struct {
	redisClient *redis.Client

	channel string
}

func (redisMQ *RedisProducer) String() string {
	return "redis"
}

func (redisMQ *RedisProducer) Channel() string {
	return redisMQ.channel
}

func (redisMQ *RedisProducer) Connect(ctx context.Context, _, channel string, args map[string]interface{}) error {
	address, err := getStringEntry("redis", args, "Address", true)
	if err != nil {
		return err
	}

	password, _ := getStringEntry("redis", args, "Password", false)

	var db int

	switch value := GetEntry(args, "DB").(type) {
	case int:
		db = value
	case string:
		db, err = strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("redis connect db atoi: %w", err)
		}
	}

	redisMQ.channel = channel
	redisMQ.redisClient = redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	if err = redisMQ.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connect ping: %w", err)
	}

	return nil
}

func (redisMQ *RedisProducer) Publish(ctx context.Context, _ EventType, data []byte) error {
	return redisMQ.redisClient.Publish(ctx, redisMQ.channel, data).Err()
}

func (redisMQ *RedisProducer) IsClosed() bool {
	return redisMQ.redisClient == nil
}

func (redisMQ *RedisProducer) Close() {
	if redisMQ.redisClient != nil {
		_ = redisMQ.redisClient.Close()
		redisMQ.redisClient = nil
	}
}
