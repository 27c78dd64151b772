package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Params are daemon tuning knobs read from HARDSHARE_-prefixed environment
// variables. Defaults match the documented behavior; tests lower the
// timeouts.
type Params struct {
	Origin    string `envconfig:"ORIGIN" default:"wss://api.rerobots.net"`
	CamOrigin string `envconfig:"CAM_ORIGIN" default:"wss://api.rerobots.net"`
	APIOrigin string `envconfig:"API_ORIGIN" default:"https://api.rerobots.net"`

	// MetricsAddr, when set, exposes promhttp on the address.
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	AdminReplyTimeout    time.Duration `envconfig:"ADMIN_REPLY_TIMEOUT" default:"10s"`
	ImagePullDeadline    time.Duration `envconfig:"IMAGE_PULL_DEADLINE" default:"10m"`
	CreateTimeout        time.Duration `envconfig:"CREATE_TIMEOUT" default:"2m"`
	ScriptTimeout        time.Duration `envconfig:"SCRIPT_TIMEOUT" default:"30s"`
	ContainerStopTimeout time.Duration `envconfig:"CONTAINER_STOP_TIMEOUT" default:"60s"`
	TunnelOpenTimeout    time.Duration `envconfig:"TUNNEL_OPEN_TIMEOUT" default:"30s"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	ReconnectBase     time.Duration `envconfig:"RECONNECT_BASE" default:"1s"`
	ReconnectCap      time.Duration `envconfig:"RECONNECT_CAP" default:"60s"`
	TransportCutoff   time.Duration `envconfig:"TRANSPORT_CUTOFF" default:"20m"`

	ShutdownDeadline time.Duration `envconfig:"SHUTDOWN_DEADLINE" default:"30s"`
}

// LoadParams reads Params from the environment.
func LoadParams() (*Params, error) {
	var p Params
	if err := envconfig.Process("HARDSHARE", &p); err != nil {
		return nil, err
	}
	return &p, nil
}
