package core

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"miner-uptime/config"
	"miner-uptime/util"
)

const Separator = ":"

// Redis holds slot locks shared by every instance.
type Redis struct {
	Prefix string
	Client *redis.Client

	// owner is written as the lock value so a held key names its instance
	owner string
}

func NewRedis(cfg *config.Redis) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:        *cfg.Url,
		Password:    *cfg.Password,
		DB:          *cfg.Database,
		PoolSize:    *cfg.PoolSize,
		DialTimeout: util.MustParseDuration(*cfg.DialTimeout),
	})

	return &Redis{
		Prefix: *cfg.Prefix,
		Client: client,

		owner: uuid.NewString(),
	}
}

// Acquire sets key if absent with the given expiry. A crashed holder's
// key expires on its own.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, key, r.owner, ttl).Result()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release deletes key when its value is still our owner token, so a lock
// that expired and was taken by another instance is left alone.
func (r *Redis) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, r.Client, []string{key}, r.owner).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
