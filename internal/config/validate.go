package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Credentials.validate(); err != nil {
		return err
	}
	if err := c.Connection.validate(); err != nil {
		return err
	}

	for i, m := range c.Subscriptions.Markets {
		prefix := fmt.Sprintf("subscriptions.markets[%d]", i)
		if len(m.Assets) == 0 {
			return fmt.Errorf("%s.assets is required", prefix)
		}
		if m.Pair && len(m.Assets) != 2 {
			return fmt.Errorf("%s.pair requires exactly 2 assets, got %d", prefix, len(m.Assets))
		}
	}
	if c.Subscriptions.User && c.Credentials.APIKey == "" {
		return errors.New("subscriptions.user requires credentials.api_key")
	}

	if c.Orders.PollConcurrency < 1 {
		return errors.New("orders.poll_concurrency must be >= 1")
	}
	if c.Orders.Shards < 1 {
		return errors.New("orders.shards must be >= 1")
	}
	if _, err := c.Orders.MinNotionalDecimal(); err != nil {
		return fmt.Errorf("orders.min_notional: %w", err)
	}
	if len(c.Orders.Watch) > 0 && c.Credentials.APIKey == "" {
		return errors.New("orders.watch requires credentials.api_key")
	}
	for i, id := range c.Orders.Watch {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("orders.watch[%d] is empty", i)
		}
	}

	if err := c.Chain.validate(); err != nil {
		return err
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	if c.Writers.BatchSize < 1 {
		return errors.New("writers.batch_size must be >= 1")
	}
	if c.Writers.BufferSize < 1 {
		return errors.New("writers.buffer_size must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

// MinNotionalDecimal parses the configured minimum order notional.
func (o OrdersConfig) MinNotionalDecimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(o.MinNotional)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must be >= 0")
	}
	return d, nil
}

func (cr *CredentialsConfig) validate() error {
	if cr.APIKey == "" {
		return nil
	}
	if cr.Secret == "" {
		return errors.New("credentials.secret is required when api_key is set")
	}
	if cr.Passphrase == "" {
		return errors.New("credentials.passphrase is required when api_key is set")
	}
	if !common.IsHexAddress(cr.Address) {
		return fmt.Errorf("credentials.address is not a valid address: %q", cr.Address)
	}
	return nil
}

func (cc *ConnectionConfig) validate() error {
	if cc.PongTimeout >= cc.PingInterval {
		return fmt.Errorf("connection.pong_timeout (%s) must be less than ping_interval (%s)", cc.PongTimeout, cc.PingInterval)
	}
	if cc.ReconnectMaxDelay < cc.ReconnectBaseDelay {
		return errors.New("connection.reconnect_max_delay cannot be less than reconnect_base_delay")
	}
	if cc.MaxReconnectAttempts < 1 {
		return errors.New("connection.max_reconnect_attempts must be >= 1")
	}
	if cc.ControlRate <= 0 {
		return errors.New("connection.control_rate must be > 0")
	}
	return nil
}

func (ch *ChainConfig) validate() error {
	if ch.RPCURL == "" {
		return nil
	}
	if !common.IsHexAddress(ch.CTFAddress) {
		return fmt.Errorf("chain.ctf_address is not a valid address: %q", ch.CTFAddress)
	}
	if !common.IsHexAddress(ch.Account) {
		return fmt.Errorf("chain.account is not a valid address: %q", ch.Account)
	}
	for i, cond := range ch.Conditions {
		if cond.ID == "" {
			return fmt.Errorf("chain.conditions[%d].id is required", i)
		}
		if len(cond.Tokens) != 0 && len(cond.Tokens) != 2 {
			return fmt.Errorf("chain.conditions[%d].tokens must list 2 tokens, got %d", i, len(cond.Tokens))
		}
	}
	if ch.DedupCapacity < 1 {
		return errors.New("chain.dedup_capacity must be >= 1")
	}
	if ch.MinRetention < ch.ClassifyWindow {
		return fmt.Errorf("chain.min_retention (%s) must be >= classify_window (%s)", ch.MinRetention, ch.ClassifyWindow)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
