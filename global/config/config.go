package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// GatewayConfig is read from the environment once at startup.
type GatewayConfig struct {
	// Identity of this process: GatewayID tags fan-out envelopes, NodeID seeds connection ids.
	GatewayID string `env:"GATEWAY_ID"`
	NodeID    int64  `env:"NODE_ID"    envDefault:"1"`

	HTTPAddr       string `env:"HTTP_ADDR"        envDefault:":8080"`
	HealthGRPCAddr string `env:"HEALTH_GRPC_ADDR" envDefault:""`
	LogLevel       string `env:"LOG_LEVEL"        envDefault:"info"`

	// Token verification
	JWTSecret string        `env:"JWT_SECRET"`
	JWTAlg    string        `env:"JWT_ALG"    envDefault:"HS256"`
	JWTLeeway time.Duration `env:"JWT_LEEWAY" envDefault:"30s"`

	// Distributed fan-out backend (redis://, rediss://, nats://, kafka://)
	AdapterEnabled        bool   `env:"ADAPTER_ENABLED"         envDefault:"false"`
	AdapterURL            string `env:"ADAPTER_URL"             envDefault:"redis://localhost:6379"`
	AdapterChannelPrefix  string `env:"ADAPTER_CHANNEL_PREFIX"  envDefault:"signage"`
	AdapterConnectRetries int    `env:"ADAPTER_CONNECT_RETRIES" envDefault:"3"`

	// Transport
	CORSOrigins    []string      `env:"CORS_ORIGIN"      envDefault:"http://localhost:3000,http://localhost:5173" envSeparator:","`
	SocketPath     string        `env:"SOCKET_PATH"      envDefault:"/socket"`
	PingInterval   time.Duration `env:"PING_INTERVAL"    envDefault:"25s"`
	PingTimeout    time.Duration `env:"PING_TIMEOUT"     envDefault:"60s"`
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE" envDefault:"1000000"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT"  envDefault:"10s"`
	SendQueueSize  int           `env:"SEND_QUEUE_SIZE"  envDefault:"64"`

	// Connection management
	MaxConnections           int           `env:"MAX_CONNECTIONS"            envDefault:"1000"`
	InactiveTimeout          time.Duration `env:"INACTIVE_TIMEOUT"           envDefault:"5m"`
	PresenceTTL              time.Duration `env:"PRESENCE_TTL"               envDefault:"2m"`
	RegistrationRequiresAuth bool          `env:"REGISTRATION_REQUIRES_AUTH" envDefault:"false"`
}

// Load parses the environment and fills derived defaults. It does not validate.
func Load() (*GatewayConfig, error) {
	cfg := &GatewayConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.GatewayID == "" {
		cfg.GatewayID = "gw-" + uuid.NewString()
	}
	return cfg, nil
}

// Validate checks that the configuration is usable and reports every problem at once.
func (c *GatewayConfig) Validate() error {
	var errs []error

	if c.GatewayID == "" {
		errs = append(errs, errors.New("GatewayID cannot be empty"))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("NodeID (%d) must be within 0..1023", c.NodeID))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTPAddr cannot be empty"))
	}

	if c.MaxConnections < 1 {
		errs = append(errs, errors.New("MaxConnections must be >= 1"))
	}
	if c.InactiveTimeout <= 0 {
		errs = append(errs, errors.New("InactiveTimeout must be > 0"))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, errors.New("PingInterval must be > 0"))
	}
	if c.PingTimeout <= 0 {
		errs = append(errs, errors.New("PingTimeout must be > 0"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("MaxMessageSize must be > 0"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("ConnectTimeout must be > 0"))
	}
	if c.SendQueueSize < 1 {
		errs = append(errs, errors.New("SendQueueSize must be >= 1"))
	}
	if !strings.HasPrefix(c.SocketPath, "/") {
		errs = append(errs, fmt.Errorf("SocketPath must start with '/': %q", c.SocketPath))
	}

	if c.AdapterEnabled {
		if err := validateAdapterURL(c.AdapterURL); err != nil {
			errs = append(errs, err)
		}
		if c.AdapterConnectRetries < 1 {
			errs = append(errs, errors.New("AdapterConnectRetries must be >= 1"))
		}
		if c.AdapterChannelPrefix == "" {
			errs = append(errs, errors.New("AdapterChannelPrefix cannot be empty"))
		}
	}

	return errors.Join(errs...)
}

// AdapterScheme returns the lower-cased scheme of AdapterURL, or "" when unparsable.
func (c *GatewayConfig) AdapterScheme() string {
	u, err := url.Parse(c.AdapterURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

var validAdapterSchemes = []string{"redis", "rediss", "nats", "kafka"}

func validateAdapterURL(uri string) error {
	if uri == "" {
		return errors.New("AdapterURL cannot be empty when ADAPTER_ENABLED=true")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("AdapterURL is not a valid URL: %w", err)
	}
	for _, scheme := range validAdapterSchemes {
		if strings.EqualFold(u.Scheme, scheme) {
			return nil
		}
	}
	return fmt.Errorf("AdapterURL has invalid scheme (must be one of: %s): %s",
		strings.Join(validAdapterSchemes, ", "), uri)
}
