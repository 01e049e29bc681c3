package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values loaded from environment variables
type Config struct {
	// Upstream CDR service configuration
	ServiceURL  string
	ServicePort int
	ServiceUser string
	ServicePass string

	// Database configuration
	DBHost           string
	DBPort           int
	DBUser           string
	DBPassword       string
	DBName           string
	DBConnections    int
	DBAcquireTimeout time.Duration

	// Ingestion configuration
	DrainTimeout time.Duration

	// Query server configuration
	HTTPAddr string

	// Logging configuration
	LogLevel string

	// Notification configuration
	NotifyEnabled bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
}

// LoadConfig reads environment variables and returns a populated Config struct
func LoadConfig() (*Config, error) {
	config := &Config{
		// Default values
		ServiceURL:       "https://localhost:%d",
		ServicePort:      8443,
		DBHost:           "localhost",
		DBPort:           5432,
		DBUser:           "postgres",
		DBName:           "cdrs",
		DBConnections:    10,
		DBAcquireTimeout: 30 * time.Second,
		DrainTimeout:     30 * time.Second,
		HTTPAddr:         ":3000",
		LogLevel:         "info",
		NotifyEnabled:    false,
		RedisHost:        "localhost",
		RedisPort:        6379,
		RedisDB:          0,
	}

	// Upstream service
	if url := os.Getenv("SERVICE_URL"); url != "" {
		config.ServiceURL = url
	}

	if portStr := os.Getenv("SERVICE_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid SERVICE_PORT: %v", err)
		}
		config.ServicePort = port
	}

	config.ServiceUser = os.Getenv("SERVICE_USER")
	config.ServicePass = os.Getenv("SERVICE_PASS")

	// Database
	if host := os.Getenv("DB_HOST"); host != "" {
		config.DBHost = host
	}

	if portStr := os.Getenv("DB_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %v", err)
		}
		config.DBPort = port
	}

	if user := os.Getenv("DB_USER"); user != "" {
		config.DBUser = user
	}

	if password := os.Getenv("DB_PASS"); password != "" {
		config.DBPassword = password
	}

	if name := os.Getenv("DB_DATABASE"); name != "" {
		config.DBName = name
	}

	if connStr := os.Getenv("DB_CONNECTIONS"); connStr != "" {
		conns, err := strconv.Atoi(connStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_CONNECTIONS: %v", err)
		}
		if conns < 1 {
			return nil, fmt.Errorf("invalid DB_CONNECTIONS: must be at least 1, got %d", conns)
		}
		config.DBConnections = conns
	}

	if timeoutStr := os.Getenv("DB_ACQUIRE_TIMEOUT_SECONDS"); timeoutStr != "" {
		seconds, err := strconv.Atoi(timeoutStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_ACQUIRE_TIMEOUT_SECONDS: %v", err)
		}
		config.DBAcquireTimeout = time.Duration(seconds) * time.Second
	}

	// Batches still persisting at shutdown get this long to finish
	if timeoutStr := os.Getenv("DRAIN_TIMEOUT_SECONDS"); timeoutStr != "" {
		seconds, err := strconv.Atoi(timeoutStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DRAIN_TIMEOUT_SECONDS: %v", err)
		}
		config.DrainTimeout = time.Duration(seconds) * time.Second
	}

	// Query server
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		config.HTTPAddr = addr
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}

	// Notifications
	if enabledStr := os.Getenv("NOTIFY_ENABLED"); enabledStr != "" {
		enabled, err := strconv.ParseBool(enabledStr)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_ENABLED: %v", err)
		}
		config.NotifyEnabled = enabled
	}

	if err := loadRedis(&config.RedisHost, &config.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.RedisPassword = password
	}

	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %v", err)
		}
		config.RedisDB = db
	}

	return config, nil
}

// BaseURL expands the service URL template with the service port.
// Templates without a %d verb are returned unchanged.
func (c *Config) BaseURL() string {
	base := c.ServiceURL
	if strings.Contains(base, "%d") {
		base = fmt.Sprintf(base, c.ServicePort)
	}
	return strings.TrimRight(base, "/")
}

// PostgresDSN builds the pgx connection string for the configured database.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBConnections)
}

// ConsumerConfig holds all configuration values for the notification consumer
type ConsumerConfig struct {
	// Redis configuration
	RedisHost string
	RedisPort int

	// Consumer configuration
	CustID   string
	LogFile  string
	LogLevel string

	// Stream configuration
	StreamKey     string
	ConsumerGroup string
	ConsumerName  string
}

// LoadConsumerConfig reads environment variables and returns a populated ConsumerConfig struct
func LoadConsumerConfig() (*ConsumerConfig, error) {
	config := &ConsumerConfig{
		// Default values
		RedisHost: "localhost",
		RedisPort: 6379,
		LogFile:   "/var/log/cdr_updates.log",
		LogLevel:  "info",
	}

	if err := loadRedis(&config.RedisHost, &config.RedisPort); err != nil {
		return nil, err
	}

	// Customer (may also come from the command line, see Validate)
	if custID := os.Getenv("CUST_ID"); custID != "" {
		if _, err := strconv.ParseInt(custID, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid CUST_ID: %v", err)
		}
		config.ApplyCustomer(custID)
	}

	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		config.LogFile = logFile
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}

	return config, nil
}

// Validate checks that a numeric customer was set by CUST_ID or ApplyCustomer
func (c *ConsumerConfig) Validate() error {
	if c.CustID == "" {
		return fmt.Errorf("customer is required: set CUST_ID or -cust")
	}
	if _, err := strconv.ParseInt(c.CustID, 10, 64); err != nil {
		return fmt.Errorf("invalid customer %q: %v", c.CustID, err)
	}
	return nil
}

// ApplyCustomer derives the stream key and consumer identity for a customer.
func (c *ConsumerConfig) ApplyCustomer(custID string) {
	c.CustID = custID
	c.StreamKey = fmt.Sprintf("cdr:updates:%s", custID)
	c.ConsumerGroup = fmt.Sprintf("consumer-group-%s", custID)
	c.ConsumerName = fmt.Sprintf("consumer-%s-%d", custID, os.Getpid())
}

func loadRedis(host *string, port *int) error {
	if h := os.Getenv("REDIS_HOST"); h != "" {
		*host = h
	}

	if portStr := os.Getenv("REDIS_PORT"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid REDIS_PORT: %v", err)
		}
		*port = p
	}

	return nil
}
