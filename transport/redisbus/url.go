package redisbus

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ParseURL turns addr into client options. Plain host:port, redis://,
// rediss://, redis-sentinel:// and rediss-sentinel:// are accepted; a comma
// separated host list selects a cluster.
func ParseURL(addr string) (*redis.UniversalOptions, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis: empty address")
	}
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	q := u.Query()
	secure := false
	switch u.Scheme {
	case "redis", "rediss":
		secure = u.Scheme == "rediss"
		db := strings.TrimPrefix(u.Path, "/")
		if db == "" {
			db = q.Get("db")
		}
		if opts.DB, err = parseDB(db); err != nil {
			return nil, err
		}
	case "redis-sentinel", "rediss-sentinel":
		secure = u.Scheme == "rediss-sentinel"
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if opts.DB, err = parseDB(q.Get("db")); err != nil {
			return nil, err
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if secure {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

func parseDB(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	db, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("redis: invalid db: %v", err)
	}
	return db, nil
}
