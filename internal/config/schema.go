package config

// Config holds drender configuration.
// Stored at: ./config.yaml or ~/.drender/config.yaml
type Config struct {
	Broker   BrokerConfig  `mapstructure:"broker" yaml:"broker"`
	Storage  StorageConfig `mapstructure:"storage" yaml:"storage"`
	Machines MachineConfig `mapstructure:"machines" yaml:"machines"`
	Driver   DriverConfig  `mapstructure:"driver" yaml:"driver"`
}

// BrokerConfig holds AMQP credentials. The broker host itself arrives
// with each project request.
type BrokerConfig struct {
	// Port is the AMQP port (default: 5672)
	Port int `mapstructure:"port" yaml:"port"`
	// User for broker authentication
	User string `mapstructure:"user" yaml:"user"`
	// Password for broker authentication, ${ENV_VAR} syntax supported
	Password string `mapstructure:"password" yaml:"password"`
}

// StorageConfig holds object store connection settings.
type StorageConfig struct {
	// Endpoint of the S3-compatible object store
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// AccessKey for the object store, ${ENV_VAR} syntax supported
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	// SecretKey for the object store, ${ENV_VAR} syntax supported
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	// UseSSL toggles TLS toward the object store
	UseSSL bool `mapstructure:"use_ssl" yaml:"use_ssl"`
	// Region of the object store (optional)
	Region string `mapstructure:"region" yaml:"region"`
}

// MachineConfig holds worker machine provisioning settings.
type MachineConfig struct {
	// DefaultImage is the worker image used when a software tag has no
	// mapping (default: drender/worker:latest)
	DefaultImage string `mapstructure:"default_image" yaml:"default_image"`
	// Images maps a software tag to the worker image that renders it
	Images map[string]string `mapstructure:"images" yaml:"images"`
	// WorkerPort is the port workers serve /nodeStatus on (default: 8080)
	WorkerPort string `mapstructure:"worker_port" yaml:"worker_port"`
}

// DriverConfig holds orchestration cadence settings.
type DriverConfig struct {
	// HeartbeatIntervalSeconds between liveness probes (default: 15)
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	// ProbeTimeoutSeconds per liveness probe (default: 30)
	ProbeTimeoutSeconds int `mapstructure:"probe_timeout_seconds" yaml:"probe_timeout_seconds"`
	// SweepIntervalSeconds between completion sweeps (default: 10)
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	// PoolSize bounds concurrent cloud operations (default: 10)
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Port:     5672,
			User:     "drender",
			Password: "${DRENDER_BROKER_PASSWORD}",
		},
		Storage: StorageConfig{
			Endpoint:  "s3.amazonaws.com",
			AccessKey: "${DRENDER_S3_ACCESS_KEY}",
			SecretKey: "${DRENDER_S3_SECRET_KEY}",
			UseSSL:    true,
		},
		Machines: MachineConfig{
			DefaultImage: "drender/worker:latest",
			Images: map[string]string{
				"blender": "drender/worker-blender:latest",
				"maya":    "drender/worker-maya:latest",
			},
			WorkerPort: "8080",
		},
		Driver: DriverConfig{
			HeartbeatIntervalSeconds: 15,
			ProbeTimeoutSeconds:      30,
			SweepIntervalSeconds:     10,
			PoolSize:                 10,
		},
	}
}
