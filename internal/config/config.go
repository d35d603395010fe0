package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/judgeledger/judgeledger/internal/consensus"
)

// Config is the runtime configuration shared by the server, the audit
// verifier and the reconciler.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
		MaxBodyBytes           int64  `yaml:"max_body_bytes"`
	} `yaml:"server"`

	Storage struct {
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
		SQLitePath  string `yaml:"sqlite_path"`
	} `yaml:"storage"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Keys struct {
		SigningPrivateKeyPath string   `yaml:"signing_private_key_path"`
		SigningPublicKeyPath  string   `yaml:"signing_public_key_path"`
		TrustedPublicKeyPaths []string `yaml:"trusted_public_key_paths"`
		Ephemeral             bool     `yaml:"ephemeral"`
	} `yaml:"keys"`

	Security struct {
		HMACSecret        string   `yaml:"hmac_secret"`
		APIKeys           []APIKey `yaml:"api_keys"`
		EnforceSignatures *bool    `yaml:"enforce_signatures"`
		EnableAPIKeys     *bool    `yaml:"enable_api_keys"`
		MaxSkewSeconds    int      `yaml:"max_skew_seconds"`
		NonceSweepEvery   int      `yaml:"nonce_sweep_every"`
		NonceMaxEntries   int      `yaml:"nonce_max_entries"`
		TrustedCIDRs      []string `yaml:"trusted_cidrs"`
		EnableIPAllow     *bool    `yaml:"enable_ip_allow_list"`
		EnforceSecureTLS  *bool    `yaml:"enforce_secure_transport"`
		RateLimit         struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"security"`

	Replay struct {
		Backend          string `yaml:"backend"`
		TTLSeconds       int    `yaml:"ttl_seconds"`
		SweepEvery       int    `yaml:"sweep_every"`
		MaxEntries       int    `yaml:"max_entries"`
		ContentAddressed bool   `yaml:"content_addressed"`
	} `yaml:"replay"`

	Consensus struct {
		Weights   map[string]float64 `yaml:"weights"`
		MaxScore  float64            `yaml:"max_score"`
		SuccessAt float64            `yaml:"success_at"`
		PartialAt float64            `yaml:"partial_at"`
	} `yaml:"consensus"`

	Judge struct {
		Evaluators     []EvaluatorConfig `yaml:"evaluators"`
		TimeoutSeconds int               `yaml:"timeout_seconds"`
		Attempts       int               `yaml:"attempts"`
		MinEvaluations int               `yaml:"min_evaluations"`
	} `yaml:"judge"`

	Relay struct {
		OutcomeWebhookURL   string `yaml:"outcome_webhook_url"`
		OutcomeWebhookToken string `yaml:"outcome_webhook_token"`
		S3                  struct {
			Bucket   string `yaml:"bucket"`
			Region   string `yaml:"region"`
			Endpoint string `yaml:"endpoint"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"s3"`
	} `yaml:"relay"`

	Reconcile struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		BatchSize           int `yaml:"batch_size"`
		MaxBackoffSeconds   int `yaml:"max_backoff_seconds"`
	} `yaml:"reconcile"`

	Logging struct {
		Level    string `yaml:"level"`
		Service  string `yaml:"service"`
		Version  string `yaml:"version"`
		Commit   string `yaml:"commit"`
		Region   string `yaml:"region"`
		Instance string `yaml:"instance"`
	} `yaml:"logging"`
}

// APIKey pairs a client id with the bcrypt hash of its key.
type APIKey struct {
	ID   string `yaml:"id"`
	Hash string `yaml:"hash"`
}

// EvaluatorConfig describes one judge. Either URL or Scores is set; Scores
// makes a static evaluator for local runs.
type EvaluatorConfig struct {
	ID         string             `yaml:"id"`
	URL        string             `yaml:"url"`
	Token      string             `yaml:"token"`
	Scores     map[string]float64 `yaml:"scores"`
	Confidence *float64           `yaml:"confidence"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(buf)
}

func Parse(buf []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Aggregator builds the consensus aggregator. Load has already checked the
// weights, so this only fails on a Config built by hand.
func (c *Config) Aggregator() (*consensus.Aggregator, error) {
	return consensus.NewAggregator(c.Consensus.Weights, c.Consensus.MaxScore)
}

func (c *Config) ReplayTTL() time.Duration {
	return time.Duration(c.Replay.TTLSeconds) * time.Second
}

func (c *Config) MaxSkew() time.Duration {
	return time.Duration(c.Security.MaxSkewSeconds) * time.Second
}

func (c *Config) JudgeTimeout() time.Duration {
	return time.Duration(c.Judge.TimeoutSeconds) * time.Second
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 60
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 2 << 20
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 12
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "judgeledger-journal.db"
	}
	if c.Security.EnforceSignatures == nil {
		c.Security.EnforceSignatures = boolPtr(true)
	}
	if c.Security.EnableAPIKeys == nil {
		c.Security.EnableAPIKeys = boolPtr(len(c.Security.APIKeys) > 0)
	}
	if c.Security.EnableIPAllow == nil {
		c.Security.EnableIPAllow = boolPtr(false)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if c.Security.MaxSkewSeconds <= 0 {
		c.Security.MaxSkewSeconds = 300
	}
	if c.Security.RateLimit.RequestsPerSecond > 0 && c.Security.RateLimit.Burst <= 0 {
		c.Security.RateLimit.Burst = int(c.Security.RateLimit.RequestsPerSecond)
		if c.Security.RateLimit.Burst < 1 {
			c.Security.RateLimit.Burst = 1
		}
	}
	if c.Replay.Backend == "" {
		c.Replay.Backend = "memory"
	}
	if c.Replay.TTLSeconds <= 0 {
		c.Replay.TTLSeconds = 3600
	}
	if len(c.Consensus.Weights) == 0 {
		c.Consensus.Weights = map[string]float64{"overall": 1.0}
	}
	if c.Consensus.MaxScore <= 0 {
		c.Consensus.MaxScore = consensus.DefaultMaxScore
	}
	if c.Consensus.SuccessAt == 0 && c.Consensus.PartialAt == 0 {
		c.Consensus.SuccessAt = 70
		c.Consensus.PartialAt = 50
	}
	if c.Judge.TimeoutSeconds <= 0 {
		c.Judge.TimeoutSeconds = 30
	}
	if c.Judge.Attempts <= 0 {
		c.Judge.Attempts = 3
	}
	if c.Judge.MinEvaluations <= 0 {
		c.Judge.MinEvaluations = 1
	}
	if c.Reconcile.PollIntervalSeconds <= 0 {
		c.Reconcile.PollIntervalSeconds = 10
	}
	if c.Reconcile.BatchSize <= 0 {
		c.Reconcile.BatchSize = 100
	}
	if c.Reconcile.MaxBackoffSeconds <= 0 {
		c.Reconcile.MaxBackoffSeconds = 300
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "judgeledger"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
}

func (c *Config) validate() error {
	if *c.Security.EnforceSignatures && c.Security.HMACSecret == "" {
		return errors.New("security.hmac_secret is required when signatures are enforced")
	}
	if *c.Security.EnableAPIKeys && len(c.Security.APIKeys) == 0 {
		return errors.New("security.api_keys is required when api keys are enabled")
	}
	for i, k := range c.Security.APIKeys {
		if strings.TrimSpace(k.ID) == "" || strings.TrimSpace(k.Hash) == "" {
			return fmt.Errorf("security.api_keys[%d] requires id and hash", i)
		}
	}
	if c.Security.RateLimit.RequestsPerSecond < 0 {
		return errors.New("security.rate_limit.requests_per_second must not be negative")
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		return errors.New("security.trusted_cidrs is required when ip allow list is enabled")
	}
	for i, cidr := range c.Security.TrustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_cidrs[%d] is invalid: %w", i, err)
		}
	}
	if !c.Keys.Ephemeral {
		if c.Keys.SigningPrivateKeyPath == "" {
			return errors.New("keys.signing_private_key_path is required")
		}
		if c.Keys.SigningPublicKeyPath == "" {
			return errors.New("keys.signing_public_key_path is required")
		}
	}

	switch c.Replay.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required when replay.backend is redis")
		}
	default:
		return errors.New("replay.backend must be one of memory|redis")
	}

	agg, err := consensus.NewAggregator(c.Consensus.Weights, c.Consensus.MaxScore)
	if err != nil {
		return fmt.Errorf("consensus.weights: %w", err)
	}
	if c.Consensus.PartialAt < 0 || c.Consensus.SuccessAt > 100 || c.Consensus.PartialAt > c.Consensus.SuccessAt {
		return errors.New("consensus thresholds must satisfy 0 <= partial_at <= success_at <= 100")
	}

	if len(c.Judge.Evaluators) == 0 {
		return errors.New("judge.evaluators must list at least one evaluator")
	}
	seen := make(map[string]struct{}, len(c.Judge.Evaluators))
	for i, ev := range c.Judge.Evaluators {
		if strings.TrimSpace(ev.ID) == "" {
			return fmt.Errorf("judge.evaluators[%d].id is required", i)
		}
		if _, dup := seen[ev.ID]; dup {
			return fmt.Errorf("judge.evaluators[%d].id %q is duplicated", i, ev.ID)
		}
		seen[ev.ID] = struct{}{}
		if (ev.URL == "") == (len(ev.Scores) == 0) {
			return fmt.Errorf("judge.evaluators[%d] must set exactly one of url|scores", i)
		}
		if err := agg.CheckScores(consensus.Evaluation{Scores: ev.Scores}); err != nil {
			return fmt.Errorf("judge.evaluators[%d].scores: %w", i, err)
		}
		if ev.URL != "" && *c.Security.EnforceSecureTLS && !isHTTPSURL(ev.URL) && !isLoopbackURL(ev.URL) {
			return fmt.Errorf("judge.evaluators[%d].url must use https when enforce_secure_transport is enabled", i)
		}
	}
	if c.Judge.MinEvaluations > len(c.Judge.Evaluators) {
		return errors.New("judge.min_evaluations exceeds the number of evaluators")
	}

	if u := c.Relay.OutcomeWebhookURL; u != "" && *c.Security.EnforceSecureTLS && !isHTTPSURL(u) && !isLoopbackURL(u) {
		return errors.New("relay.outcome_webhook_url must use https when enforce_secure_transport is enabled")
	}
	if c.Relay.S3.Bucket != "" && c.Relay.S3.Region == "" {
		return errors.New("relay.s3.region is required when relay.s3.bucket is set")
	}

	if c.Storage.PostgresDSN != "" && *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) {
		if host := dsnHost(c.Storage.PostgresDSN); !isLoopbackHost(host) && !strings.EqualFold(host, "localhost") {
			return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
		}
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Storage.SQLitePath = os.ExpandEnv(strings.TrimSpace(c.Storage.SQLitePath))
	c.Redis.Addr = os.ExpandEnv(strings.TrimSpace(c.Redis.Addr))
	c.Redis.Password = os.ExpandEnv(strings.TrimSpace(c.Redis.Password))
	c.Keys.SigningPrivateKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPrivateKeyPath))
	c.Keys.SigningPublicKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPublicKeyPath))
	for i, p := range c.Keys.TrustedPublicKeyPaths {
		c.Keys.TrustedPublicKeyPaths[i] = os.ExpandEnv(strings.TrimSpace(p))
	}
	c.Security.HMACSecret = os.ExpandEnv(strings.TrimSpace(c.Security.HMACSecret))
	for i := range c.Security.APIKeys {
		c.Security.APIKeys[i].ID = strings.TrimSpace(c.Security.APIKeys[i].ID)
		c.Security.APIKeys[i].Hash = strings.TrimSpace(c.Security.APIKeys[i].Hash)
	}
	c.Replay.Backend = strings.ToLower(strings.TrimSpace(c.Replay.Backend))
	for i := range c.Judge.Evaluators {
		ev := &c.Judge.Evaluators[i]
		ev.ID = strings.TrimSpace(ev.ID)
		ev.URL = os.ExpandEnv(strings.TrimSpace(ev.URL))
		ev.Token = os.ExpandEnv(strings.TrimSpace(ev.Token))
	}
	c.Relay.OutcomeWebhookURL = os.ExpandEnv(strings.TrimSpace(c.Relay.OutcomeWebhookURL))
	c.Relay.OutcomeWebhookToken = os.ExpandEnv(strings.TrimSpace(c.Relay.OutcomeWebhookToken))
	c.Relay.S3.Bucket = os.ExpandEnv(strings.TrimSpace(c.Relay.S3.Bucket))
	c.Relay.S3.Endpoint = os.ExpandEnv(strings.TrimSpace(c.Relay.S3.Endpoint))
}

func boolPtr(v bool) *bool {
	return &v
}
