package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL              = "https://clob.polymarket.com"
	DefaultWSURL                = "wss://ws-subscriptions-clob.polymarket.com/ws"
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultPingInterval         = 30 * time.Second
	DefaultPongTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultSubscribeTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultControlRate          = 5
	DefaultConnBufferSize       = 1000
	DefaultGraceWindow          = 5 * time.Minute
	DefaultOrderPollInterval    = 10 * time.Second
	DefaultPollConcurrency      = 10
	DefaultPollTimeout          = 5 * time.Second
	DefaultMinNotional          = "1"
	DefaultPendingTTL           = 30 * time.Second
	DefaultShards               = 16
	DefaultChainPollInterval    = 4 * time.Second
	DefaultClassifyWindow       = 15 * time.Second
	DefaultDedupCapacity        = 10000
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultBatchSize            = 500
	DefaultFlushInterval        = 1 * time.Second
	DefaultBufferSize           = 10000
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
)

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Connection defaults
	conn := &c.Connection
	if conn.PingInterval == 0 {
		conn.PingInterval = DefaultPingInterval
	}
	if conn.PongTimeout == 0 {
		conn.PongTimeout = DefaultPongTimeout
	}
	if conn.WriteTimeout == 0 {
		conn.WriteTimeout = DefaultWriteTimeout
	}
	if conn.SubscribeTimeout == 0 {
		conn.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if conn.ReconnectBaseDelay == 0 {
		conn.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if conn.ReconnectMaxDelay == 0 {
		conn.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if conn.MaxReconnectAttempts == 0 {
		conn.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if conn.ControlRate == 0 {
		conn.ControlRate = DefaultControlRate
	}
	if conn.BufferSize == 0 {
		conn.BufferSize = DefaultConnBufferSize
	}

	// Order defaults
	if c.Orders.GraceWindow == 0 {
		c.Orders.GraceWindow = DefaultGraceWindow
	}
	if c.Orders.PollInterval == 0 {
		c.Orders.PollInterval = DefaultOrderPollInterval
	}
	if c.Orders.PollConcurrency == 0 {
		c.Orders.PollConcurrency = DefaultPollConcurrency
	}
	if c.Orders.PollTimeout == 0 {
		c.Orders.PollTimeout = DefaultPollTimeout
	}
	if c.Orders.MinNotional == "" {
		c.Orders.MinNotional = DefaultMinNotional
	}
	if c.Orders.PendingTTL == 0 {
		c.Orders.PendingTTL = DefaultPendingTTL
	}
	if c.Orders.Shards == 0 {
		c.Orders.Shards = DefaultShards
	}

	// Chain defaults
	if c.Chain.PollInterval == 0 {
		c.Chain.PollInterval = DefaultChainPollInterval
	}
	if c.Chain.ClassifyWindow == 0 {
		c.Chain.ClassifyWindow = DefaultClassifyWindow
	}
	if c.Chain.DedupCapacity == 0 {
		c.Chain.DedupCapacity = DefaultDedupCapacity
	}
	if c.Chain.MinRetention == 0 {
		// Retention must cover the classify window plus slack for late logs.
		c.Chain.MinRetention = 4 * c.Chain.ClassifyWindow
	}

	// Database defaults
	applyDBDefaults(&c.Database)

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultBufferSize
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
