package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the market simulator.
type Config struct {
	Port                 int
	AdminPort            int
	LogLevel             string
	LogFile              string
	MaxConnections       int
	SaleDuration         time.Duration
	InitialStock         decimal.Decimal
	AutoRotate           bool
	ResetStockOnRegister bool
	HandshakeTimeout     time.Duration
	IdleTimeout          time.Duration // 0 disables the idle deadline
	WriteTimeout         time.Duration
	MessageRate          float64 // messages per second, 0 disables limiting
	MessageBurst         int
	ShutdownTimeout      time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. When CONFIG_FILE names a YAML file, its keys (the
// lower-case variable names) form a base layer that the environment
// overrides. It returns an error for any invalid value.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	port, err := src.getInt("PORT", 5000)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d is out of range", port)
	}

	adminPort, err := src.getInt("ADMIN_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_PORT: %w", err)
	}
	if adminPort < 1 || adminPort > 65535 {
		return nil, fmt.Errorf("invalid ADMIN_PORT: %d is out of range", adminPort)
	}
	if adminPort == port {
		return nil, fmt.Errorf("invalid ADMIN_PORT: %d is already used by PORT", adminPort)
	}

	logLevel := src.getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	maxConns, err := src.getInt("MAX_CONNECTIONS", 200)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_CONNECTIONS: %w", err)
	}
	if maxConns < 1 {
		return nil, fmt.Errorf("invalid MAX_CONNECTIONS: must be at least 1, got %d", maxConns)
	}

	saleDuration, err := src.getPositiveDuration("SALE_DURATION", 60*time.Second)
	if err != nil {
		return nil, err
	}

	initialStock, err := src.getDecimal("INITIAL_STOCK", decimal.NewFromInt(5))
	if err != nil {
		return nil, fmt.Errorf("invalid INITIAL_STOCK: %w", err)
	}
	if !initialStock.IsPositive() {
		return nil, fmt.Errorf("invalid INITIAL_STOCK: must be greater than 0, got %s", initialStock)
	}

	autoRotate, err := src.getBool("AUTO_ROTATE", false)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_ROTATE: %w", err)
	}

	resetStock, err := src.getBool("RESET_STOCK_ON_REGISTER", false)
	if err != nil {
		return nil, fmt.Errorf("invalid RESET_STOCK_ON_REGISTER: %w", err)
	}

	handshakeTimeout, err := src.getPositiveDuration("HANDSHAKE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	idleTimeout, err := src.getDuration("IDLE_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}
	if idleTimeout < 0 {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: must not be negative, got %v", idleTimeout)
	}

	writeTimeout, err := src.getPositiveDuration("WRITE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	messageRate, err := src.getFloat("MESSAGE_RATE", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid MESSAGE_RATE: %w", err)
	}
	if messageRate < 0 {
		return nil, fmt.Errorf("invalid MESSAGE_RATE: must not be negative, got %v", messageRate)
	}

	messageBurst, err := src.getInt("MESSAGE_BURST", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid MESSAGE_BURST: %w", err)
	}
	if messageBurst < 1 {
		return nil, fmt.Errorf("invalid MESSAGE_BURST: must be at least 1, got %d", messageBurst)
	}

	shutdownTimeout, err := src.getPositiveDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:                 port,
		AdminPort:            adminPort,
		LogLevel:             logLevel,
		LogFile:              src.getStr("LOG_FILE", ""),
		MaxConnections:       maxConns,
		SaleDuration:         saleDuration,
		InitialStock:         initialStock,
		AutoRotate:           autoRotate,
		ResetStockOnRegister: resetStock,
		HandshakeTimeout:     handshakeTimeout,
		IdleTimeout:          idleTimeout,
		WriteTimeout:         writeTimeout,
		MessageRate:          messageRate,
		MessageBurst:         messageBurst,
		ShutdownTimeout:      shutdownTimeout,
	}, nil
}

// readFile reads a YAML config file and expands ${VAR} references.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var values map[string]string
	if err := yaml.Unmarshal([]byte(expanded), &values); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	file := make(map[string]string, len(values))
	for k, v := range values {
		file[strings.ToLower(k)] = v
	}
	return file, nil
}

// source resolves a key from the environment first, then the file layer.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[strings.ToLower(key)]
}

func (s source) getStr(key, defaultVal string) string {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func (s source) getInt(key string, defaultVal int) (int, error) {
	v := s.lookup(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func (s source) getFloat(key string, defaultVal float64) (float64, error) {
	v := s.lookup(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func (s source) getBool(key string, defaultVal bool) (bool, error) {
	v := s.lookup(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func (s source) getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := s.lookup(key)
	if v == "" {
		return defaultVal, nil
	}
	return decimal.NewFromString(v)
}

func (s source) getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := s.lookup(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func (s source) getPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := s.getDuration(key, defaultVal)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than 0, got %v", key, d)
	}
	return d, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
