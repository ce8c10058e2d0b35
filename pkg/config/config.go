package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the J.E.E.V.E.S. presence agent
type Config struct {
	// MQTT configuration
	EnableMQTT   bool   `yaml:"enable_mqtt"`
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTPort     int    `yaml:"mqtt_port"`
	MQTTUser     string `yaml:"mqtt_user"`
	MQTTPassword string `yaml:"mqtt_password"`
	MQTTClientID string `yaml:"mqtt_client_id"`

	// Redis configuration
	EnableRedis   bool   `yaml:"enable_redis"`
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Postgres configuration
	EnablePostgres             bool   `yaml:"enable_postgres"`
	PostgresHost               string `yaml:"postgres_host"`
	PostgresPort               int    `yaml:"postgres_port"`
	PostgresUser               string `yaml:"postgres_user"`
	PostgresPassword           string `yaml:"postgres_password"`
	PostgresDB                 string `yaml:"postgres_db"`
	PostgresSSLMode            string `yaml:"postgres_sslmode"`
	PostgresMaxConnections     int    `yaml:"postgres_max_connections"`
	PostgresMaxIdleConnections int    `yaml:"postgres_max_idle_connections"`

	// Kafka ledger configuration
	EnableKafka  bool     `yaml:"enable_kafka"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	// Service configuration
	ServiceName string `yaml:"service_name"`
	Location    string `yaml:"location"`
	HealthPort  int    `yaml:"health_port"`
	APIPort     int    `yaml:"api_port"`
	LogLevel    string `yaml:"log_level"`

	// Detector configuration
	CascadeDir     string `yaml:"cascade_dir"`
	CameraDevice   int    `yaml:"camera_device"`
	CameraEnabled  bool   `yaml:"camera_enabled"`
	AutoStart      bool   `yaml:"auto_start"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	// Occupancy tracking configuration
	PowerWatts              float64 `yaml:"power_watts"`
	CameraMissThreshold     int     `yaml:"camera_miss_threshold"`
	UploadMissThreshold     int     `yaml:"upload_miss_threshold"`
	SimulationMissThreshold int     `yaml:"simulation_miss_threshold"`
	CameraIntervalMs        int     `yaml:"camera_interval_ms"`
	SimulationIntervalSec   int     `yaml:"simulation_interval_sec"`
	SimulationProbability   float64 `yaml:"simulation_probability"`
	MinPersistIntervalMs    int     `yaml:"min_persist_interval_ms"`
	FlickerHistorySize      int     `yaml:"flicker_history_size"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		// MQTT defaults
		EnableMQTT: false,
		MQTTBroker: "localhost",
		MQTTPort:   1883,

		// Redis defaults
		EnableRedis: false,
		RedisHost:   "localhost",
		RedisPort:   6379,
		RedisDB:     0,

		// Postgres defaults
		PostgresHost:               "localhost",
		PostgresPort:               5432,
		PostgresUser:               "jeeves",
		PostgresDB:                 "jeeves",
		PostgresSSLMode:            "disable",
		PostgresMaxConnections:     5,
		PostgresMaxIdleConnections: 2,

		// Kafka defaults
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "presence.ledger",

		// Service defaults
		ServiceName: "presence-agent",
		Location:    "default",
		HealthPort:  8080,
		APIPort:     5000,
		LogLevel:    "info",

		// Detector defaults
		CascadeDir:     "/usr/share/opencv4/haarcascades",
		CameraDevice:   0,
		CameraEnabled:  true,
		AutoStart:      false,
		MaxUploadBytes: 10 << 20,

		// Occupancy defaults (typical LED bulb)
		PowerWatts:              10,
		CameraMissThreshold:     3,
		UploadMissThreshold:     0,
		SimulationMissThreshold: 0,
		CameraIntervalMs:        300,
		SimulationIntervalSec:   2,
		SimulationProbability:   0.3,
		MinPersistIntervalMs:    5000,
		FlickerHistorySize:      10,
	}
}

// LoadFromFile overlays values from a YAML file. Keys missing from the file
// keep their current value.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables with JEEVES_ prefix
func (c *Config) LoadFromEnv() {
	// MQTT configuration
	envBool("JEEVES_ENABLE_MQTT", &c.EnableMQTT)
	envString("JEEVES_MQTT_BROKER", &c.MQTTBroker)
	envInt("JEEVES_MQTT_PORT", &c.MQTTPort)
	envString("JEEVES_MQTT_USER", &c.MQTTUser)
	envString("JEEVES_MQTT_PASSWORD", &c.MQTTPassword)
	envString("JEEVES_MQTT_CLIENT_ID", &c.MQTTClientID)

	// Redis configuration
	envBool("JEEVES_ENABLE_REDIS", &c.EnableRedis)
	envString("JEEVES_REDIS_HOST", &c.RedisHost)
	envInt("JEEVES_REDIS_PORT", &c.RedisPort)
	envString("JEEVES_REDIS_PASSWORD", &c.RedisPassword)
	envInt("JEEVES_REDIS_DB", &c.RedisDB)

	// Postgres configuration
	envBool("JEEVES_ENABLE_POSTGRES", &c.EnablePostgres)
	envString("JEEVES_POSTGRES_HOST", &c.PostgresHost)
	envInt("JEEVES_POSTGRES_PORT", &c.PostgresPort)
	envString("JEEVES_POSTGRES_USER", &c.PostgresUser)
	envString("JEEVES_POSTGRES_PASSWORD", &c.PostgresPassword)
	envString("JEEVES_POSTGRES_DB", &c.PostgresDB)
	envString("JEEVES_POSTGRES_SSLMODE", &c.PostgresSSLMode)

	// Kafka configuration
	envBool("JEEVES_ENABLE_KAFKA", &c.EnableKafka)
	if v := os.Getenv("JEEVES_KAFKA_BROKERS"); v != "" {
		c.KafkaBrokers = strings.Split(v, ",")
	}
	envString("JEEVES_KAFKA_TOPIC", &c.KafkaTopic)

	// Service configuration
	envString("JEEVES_SERVICE_NAME", &c.ServiceName)
	envString("JEEVES_LOCATION", &c.Location)
	envInt("JEEVES_HEALTH_PORT", &c.HealthPort)
	envInt("JEEVES_API_PORT", &c.APIPort)
	envString("JEEVES_LOG_LEVEL", &c.LogLevel)

	// Detector configuration
	envString("JEEVES_CASCADE_DIR", &c.CascadeDir)
	envInt("JEEVES_CAMERA_DEVICE", &c.CameraDevice)
	envBool("JEEVES_CAMERA_ENABLED", &c.CameraEnabled)
	envBool("JEEVES_AUTO_START", &c.AutoStart)

	// Occupancy configuration
	envFloat("JEEVES_POWER_WATTS", &c.PowerWatts)
	envInt("JEEVES_CAMERA_MISS_THRESHOLD", &c.CameraMissThreshold)
	envInt("JEEVES_UPLOAD_MISS_THRESHOLD", &c.UploadMissThreshold)
	envInt("JEEVES_SIMULATION_MISS_THRESHOLD", &c.SimulationMissThreshold)
	envInt("JEEVES_CAMERA_INTERVAL_MS", &c.CameraIntervalMs)
	envInt("JEEVES_SIMULATION_INTERVAL_SEC", &c.SimulationIntervalSec)
	envFloat("JEEVES_SIMULATION_PROBABILITY", &c.SimulationProbability)
	envInt("JEEVES_MIN_PERSIST_INTERVAL_MS", &c.MinPersistIntervalMs)
	envInt("JEEVES_FLICKER_HISTORY_SIZE", &c.FlickerHistorySize)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// RegisterFlags binds command-line flags to config values on the given flag set
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	// MQTT flags
	fs.BoolVar(&c.EnableMQTT, "enable-mqtt", c.EnableMQTT, "Publish occupancy context and light commands over MQTT")
	fs.StringVar(&c.MQTTBroker, "mqtt-broker", c.MQTTBroker, "MQTT broker hostname")
	fs.IntVar(&c.MQTTPort, "mqtt-port", c.MQTTPort, "MQTT broker port")
	fs.StringVar(&c.MQTTUser, "mqtt-user", c.MQTTUser, "MQTT username")
	fs.StringVar(&c.MQTTPassword, "mqtt-password", c.MQTTPassword, "MQTT password")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", c.MQTTClientID, "MQTT client ID")

	// Redis flags
	fs.BoolVar(&c.EnableRedis, "enable-redis", c.EnableRedis, "Persist occupancy snapshots in Redis")
	fs.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis hostname")
	fs.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database number")

	// Postgres flags
	fs.BoolVar(&c.EnablePostgres, "enable-postgres", c.EnablePostgres, "Record presence episodes in Postgres")
	fs.StringVar(&c.PostgresHost, "postgres-host", c.PostgresHost, "Postgres hostname")
	fs.IntVar(&c.PostgresPort, "postgres-port", c.PostgresPort, "Postgres port")
	fs.StringVar(&c.PostgresUser, "postgres-user", c.PostgresUser, "Postgres user")
	fs.StringVar(&c.PostgresPassword, "postgres-password", c.PostgresPassword, "Postgres password")
	fs.StringVar(&c.PostgresDB, "postgres-db", c.PostgresDB, "Postgres database")

	// Kafka flags
	fs.BoolVar(&c.EnableKafka, "enable-kafka", c.EnableKafka, "Append energy ledger events to Kafka")
	fs.StringSliceVar(&c.KafkaBrokers, "kafka-brokers", c.KafkaBrokers, "Kafka broker addresses")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", c.KafkaTopic, "Kafka ledger topic")

	// Service flags
	fs.StringVar(&c.ServiceName, "service-name", c.ServiceName, "Service name")
	fs.StringVar(&c.Location, "location", c.Location, "Location (room) this agent watches")
	fs.IntVar(&c.HealthPort, "health-port", c.HealthPort, "Health check HTTP port")
	fs.IntVar(&c.APIPort, "api-port", c.APIPort, "HTTP API port")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")

	// Detector flags
	fs.StringVar(&c.CascadeDir, "cascade-dir", c.CascadeDir, "Directory holding OpenCV Haar cascade XML files")
	fs.IntVar(&c.CameraDevice, "camera-device", c.CameraDevice, "Camera device index")
	fs.BoolVar(&c.CameraEnabled, "camera", c.CameraEnabled, "Poll the server-side camera (simulation when unavailable)")
	fs.BoolVar(&c.AutoStart, "auto-start", c.AutoStart, "Start detection immediately")

	// Occupancy flags
	fs.Float64Var(&c.PowerWatts, "power-watts", c.PowerWatts, "Power draw of the controlled light in watts")
	fs.IntVar(&c.CameraMissThreshold, "camera-miss-threshold", c.CameraMissThreshold, "Consecutive camera misses tolerated before the room is empty")
	fs.IntVar(&c.UploadMissThreshold, "upload-miss-threshold", c.UploadMissThreshold, "Consecutive upload misses tolerated before the room is empty")
	fs.IntVar(&c.SimulationMissThreshold, "simulation-miss-threshold", c.SimulationMissThreshold, "Consecutive simulated misses tolerated before the room is empty")
	fs.IntVar(&c.CameraIntervalMs, "camera-interval-ms", c.CameraIntervalMs, "Camera polling interval (ms)")
	fs.IntVar(&c.SimulationIntervalSec, "simulation-interval", c.SimulationIntervalSec, "Simulation interval in seconds")
	fs.Float64Var(&c.SimulationProbability, "simulation-probability", c.SimulationProbability, "Probability a simulated sample is a detection")
	fs.IntVar(&c.MinPersistIntervalMs, "min-persist-interval-ms", c.MinPersistIntervalMs, "Minimum time between snapshot writes without a transition (ms)")
}

// LoadFromFlags parses command-line flags and overrides config values
func (c *Config) LoadFromFlags() {
	c.RegisterFlags(pflag.CommandLine)
	pflag.Parse()
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.EnableMQTT {
		if c.MQTTBroker == "" {
			return fmt.Errorf("MQTT broker is required")
		}
		if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
			return fmt.Errorf("MQTT port must be between 1 and 65535")
		}
	}
	if c.EnableRedis {
		if c.RedisHost == "" {
			return fmt.Errorf("Redis host is required")
		}
		if c.RedisPort <= 0 || c.RedisPort > 65535 {
			return fmt.Errorf("Redis port must be between 1 and 65535")
		}
	}
	if c.EnablePostgres && c.PostgresHost == "" {
		return fmt.Errorf("Postgres host is required")
	}
	if c.EnableKafka && (len(c.KafkaBrokers) == 0 || c.KafkaTopic == "") {
		return fmt.Errorf("Kafka brokers and topic are required")
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("Health port must be between 1 and 65535")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API port must be between 1 and 65535")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("Service name is required")
	}
	if c.Location == "" || strings.ContainsAny(c.Location, "/+#") {
		return fmt.Errorf("location must be a non-empty MQTT topic segment")
	}
	if c.PowerWatts < 0 {
		return fmt.Errorf("power watts must not be negative")
	}
	if c.CameraMissThreshold < 0 || c.UploadMissThreshold < 0 || c.SimulationMissThreshold < 0 {
		return fmt.Errorf("miss thresholds must not be negative")
	}
	if c.CameraIntervalMs <= 0 || c.SimulationIntervalSec <= 0 {
		return fmt.Errorf("sampling intervals must be positive")
	}
	if c.SimulationProbability < 0 || c.SimulationProbability > 1 {
		return fmt.Errorf("simulation probability must be between 0 and 1")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// MQTTAddress returns the full MQTT broker address
func (c *Config) MQTTAddress() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTBroker, c.MQTTPort)
}

// RedisAddress returns the full Redis address
func (c *Config) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// PostgresConnectionString returns a lib/pq connection string
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode)
}
