// Package consts holds the fixed component identifiers used for container
// registration and dependency declarations.
package consts

const (
	COMPONENT_LOGGING      = "logging"
	COMPONENT_METRICS      = "metrics"
	COMPONENT_REDIS        = "redis"
	COMPONENT_GORM         = "gorm_db"
	COMPONENT_BUS          = "event_bus"
	COMPONENT_JOB_ENGINE   = "job_engine"
	COMPONENT_SCHEDULER    = "scheduler"
	COMPONENT_ORCHESTRATOR = "orchestrator"
	COMPONENT_WS_HUB       = "ws_hub"
	COMPONENT_HTTP_SERVER  = "http_server"
)

const (
	ENV_DEVELOPMENT = "development"
	ENV_PRODUCTION  = "production"

	DEFAULT_CONFIG_PATH = "configs/config.yaml"
)
