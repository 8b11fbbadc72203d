// Package redisconn owns the shared redis client used by the event bus
// transport.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/consts"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/logging"
)

type Component struct {
	*core.BaseComponent
	cfg    config.RedisConfig
	client redis.UniversalClient
}

func NewComponent(cfg config.RedisConfig) *Component {
	return &Component{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_REDIS, consts.COMPONENT_LOGGING),
		cfg:           cfg,
	}
}

func (rc *Component) Start(ctx context.Context) error {
	if err := rc.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if len(rc.cfg.Addresses) == 0 {
		return fmt.Errorf("redis addresses empty")
	}

	rc.client = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        rc.cfg.Addresses,
		Username:     rc.cfg.Username,
		Password:     rc.cfg.Password,
		DB:           rc.cfg.DB,
		PoolSize:     rc.cfg.PoolSize,
		DialTimeout:  rc.cfg.DialTimeout.Std(),
		ReadTimeout:  rc.cfg.ReadTimeout.Std(),
		WriteTimeout: rc.cfg.WriteTimeout.Std(),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.ping(pingCtx); err != nil {
		_ = rc.client.Close()
		rc.client = nil
		return fmt.Errorf("redis ping failed: %w", err)
	}

	logging.Info(ctx, "redis component started", zap.Strings("addrs", rc.cfg.Addresses))
	return nil
}

func (rc *Component) Stop(ctx context.Context) error {
	defer rc.BaseComponent.Stop(ctx)
	if rc.client != nil {
		_ = rc.client.Close()
	}
	return nil
}

func (rc *Component) HealthCheck() error {
	if err := rc.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if rc.client == nil {
		return fmt.Errorf("redis client nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rc.ping(ctx)
}

func (rc *Component) ping(ctx context.Context) error {
	if rc.client == nil {
		return errors.New("no client")
	}
	_, err := rc.client.Ping(ctx).Result()
	return err
}

func (rc *Component) Client() redis.UniversalClient { return rc.client }
