package config

import "time"

// Config is the root configuration for a connector instance.
type Config struct {
	Instance      InstanceConfig      `yaml:"instance"`
	API           APIConfig           `yaml:"api"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Orders        OrdersConfig        `yaml:"orders"`
	Chain         ChainConfig         `yaml:"chain"`
	Database      DBConfig            `yaml:"database"`
	Writers       WritersConfig       `yaml:"writers"`
	Metrics       MetricsConfig       `yaml:"metrics"`

	// Unresolved lists ${VAR} references that had no value at load time.
	Unresolved []string `yaml:"-"`
}

// InstanceConfig identifies this connector.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds venue endpoints.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	WSURL      string        `yaml:"ws_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// CredentialsConfig holds the L2 credential triple. Empty APIKey disables the
// user channel and order management.
type CredentialsConfig struct {
	APIKey     string `yaml:"api_key"`
	Secret     string `yaml:"secret"`     // base64url-encoded HMAC secret
	Passphrase string `yaml:"passphrase"`
	Address    string `yaml:"address"` // funder/signer address sent as POLY_ADDRESS
}

// ConnectionConfig holds Connection Manager settings.
type ConnectionConfig struct {
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ControlRate          float64       `yaml:"control_rate"` // outbound control frames per second
	BufferSize           int           `yaml:"buffer_size"`
}

// SubscriptionsConfig lists the subscriptions the connector opens at startup.
type SubscriptionsConfig struct {
	Markets     []MarketSubscription `yaml:"markets"`
	User        bool                 `yaml:"user"`
	UserMarkets []string             `yaml:"user_markets"` // condition ids, empty = all
}

// MarketSubscription is one market-channel subscription.
type MarketSubscription struct {
	ConditionID string   `yaml:"condition_id"`
	Assets      []string `yaml:"assets"`
	Pair        bool     `yaml:"pair"` // emit pair updates; requires exactly two assets
}

// OrdersConfig holds Order Lifecycle Reconciler settings.
type OrdersConfig struct {
	GraceWindow     time.Duration `yaml:"grace_window"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollConcurrency int           `yaml:"poll_concurrency"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	MinNotional     string        `yaml:"min_notional"` // decimal collateral units
	PendingTTL      time.Duration `yaml:"pending_ttl"`
	Shards          int           `yaml:"shards"`
	Watch           []string      `yaml:"watch"` // venue order ids adopted at startup
}

// ChainConfig holds On-Chain Operation Correlator settings.
type ChainConfig struct {
	RPCURL         string            `yaml:"rpc_url"`
	CTFAddress     string            `yaml:"ctf_address"`
	Account        string            `yaml:"account"`
	Conditions     []ConditionConfig `yaml:"conditions"`
	StartBlock     uint64            `yaml:"start_block"`
	PollInterval   time.Duration     `yaml:"poll_interval"`
	ClassifyWindow time.Duration     `yaml:"classify_window"`
	DedupCapacity  int               `yaml:"dedup_capacity"`
	MinRetention   time.Duration     `yaml:"min_retention"`
}

// ConditionConfig is one tracked condition and its two outcome tokens.
type ConditionConfig struct {
	ID     string   `yaml:"id"`
	Tokens []string `yaml:"tokens"`
}

// DBConfig holds the Postgres connection used for the order archive and
// operation log. Empty Host disables persistence.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether persistence is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus and health server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
