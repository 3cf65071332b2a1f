package stores

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/spf13/viper"
	rt "wuyrush.io/pinvault/common/retry"
	cst "wuyrush.io/pinvault/constants"
	se "wuyrush.io/pinvault/errors"
)

// NewRedisClient connects to the Redis configured via env vars and waits until it answers
func NewRedisClient() (*redis.Client, *se.Err) {
	retryOpts := []rt.RetryOption{
		rt.WithTimeout(3 * time.Second),
		rt.WithBaseDelay(100 * time.Millisecond),
		rt.WithExp(2.0),
		rt.WithRetryOn(rt.IsDepOffline),
	}
	c := redis.NewClient(&redis.Options{
		Addr:       fmt.Sprintf("%s:%s", viper.GetString(cst.EnvRedisHost), viper.GetString(cst.EnvRedisPort)),
		Password:   viper.GetString(cst.EnvRedisPasswd),
		DB:         viper.GetInt(cst.EnvRedisDB),
		MaxRetries: 3,
	})
	// NOTE docker compose's depends_on only guarantees the startup order of containers, not the readiness
	// of the services inside
	pingFn := func() error {
		_, err := c.Ping().Result()
		return err
	}
	if err := rt.Retry(pingFn, retryOpts...); err != nil {
		c.Close()
		return nil, se.NewServiceFailure("failed initializing Redis").WithCause(err)
	}
	return c, nil
}
