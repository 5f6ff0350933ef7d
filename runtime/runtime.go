package runtime

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/jmoiron/sqlx"
	"github.com/nyaruka/gocommon/aws/s3x"
)

// Runtime bundles the shared connections all components run against
type Runtime struct {
	Config *Config
	DB     *sqlx.DB
	VK     *redis.Pool
	S3     *s3x.Service
}

// NewRuntime creates the connection pools for the given config. Connections are created
// lazily, callers should ping before relying on them.
func NewRuntime(cfg *Config) (*Runtime, error) {
	rt := &Runtime{Config: cfg}

	var err error

	rt.DB, err = sqlx.Open("postgres", cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("error creating Postgres connection pool: %w", err)
	}
	rt.DB.SetMaxIdleConns(4)
	rt.DB.SetMaxOpenConns(16)

	rt.VK, err = newValkeyPool(cfg.Valkey, cfg.MaxWorkers*2)
	if err != nil {
		return nil, fmt.Errorf("error creating Valkey pool: %w", err)
	}

	if cfg.S3LogsBucket != "" {
		rt.S3, err = s3x.NewService(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.AWSRegion, cfg.S3Endpoint, cfg.S3Minio)
		if err != nil {
			return nil, fmt.Errorf("error creating S3 service: %w", err)
		}
	}

	return rt, nil
}

func newValkeyPool(rawURL string, maxActive int) (*redis.Pool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse Valkey URL '%s': %w", rawURL, err)
	}
	if maxActive < 8 {
		maxActive = 8
	}

	return &redis.Pool{
		Wait:        true,              // makes callers wait for a connection
		MaxActive:   maxActive,         // only open this many concurrent connections at once
		MaxIdle:     4,                 // only keep up to this many idle
		IdleTimeout: 240 * time.Second, // how long to wait before reaping a connection
		Dial: func() (redis.Conn, error) {
			conn, err := redis.Dial("tcp", parsed.Host)
			if err != nil {
				return nil, err
			}

			// send auth if required
			if parsed.User != nil {
				pass, authRequired := parsed.User.Password()
				if authRequired {
					if _, err := conn.Do("AUTH", pass); err != nil {
						conn.Close()
						return nil, err
					}
				}
			}

			// switch to the right DB
			_, err = conn.Do("SELECT", strings.TrimLeft(parsed.Path, "/"))
			return conn, err
		},
	}, nil
}
