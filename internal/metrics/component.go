package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/consts"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/logging"
)

// Component serves the metrics registry over HTTP.
type Component struct {
	*core.BaseComponent
	cfg     config.MetricsConfig
	metrics *Metrics
	server  *http.Server
}

func NewComponent(cfg config.MetricsConfig, m *Metrics) *Component {
	return &Component{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_METRICS, consts.COMPONENT_LOGGING),
		cfg:           cfg,
		metrics:       m,
	}
}

func (mc *Component) Start(ctx context.Context) error {
	if err := mc.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if !mc.cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mc.metrics.Registry(), promhttp.HandlerOpts{}))
	mc.server = &http.Server{Addr: mc.cfg.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logging.Info(ctx, "metrics listening", zap.String("address", mc.cfg.Address))
		if err := mc.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(context.Background(), "metrics server error", zap.Error(err))
		}
	}()
	return nil
}

func (mc *Component) Stop(ctx context.Context) error {
	defer mc.BaseComponent.Stop(ctx)
	if mc.server != nil {
		return mc.server.Shutdown(ctx)
	}
	return nil
}
