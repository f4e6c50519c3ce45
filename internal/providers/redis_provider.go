package providers

import (
	"strings"

	"github.com/go-redis/redis/v8"
)

// NewRedisProvider builds the shared Redis client. A redis:// or rediss:// URL
// takes precedence over addr and password.
func NewRedisProvider(url, addr, password string) (*redis.Client, error) {
	if u := strings.TrimSpace(url); u != "" {
		if !strings.Contains(u, "://") {
			u = "redis://" + u
		}
		opts, err := redis.ParseURL(u)
		if err != nil {
			return nil, err
		}
		if opts.Password == "" {
			opts.Password = password
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), nil
}
