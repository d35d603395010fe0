package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalConfig = `
keys:
  ephemeral: true
security:
  hmac_secret: "${JUDGELEDGER_TEST_SECRET}"
judge:
  evaluators:
    - id: "static-a"
      scores:
        overall: 8
`

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("JUDGELEDGER_TEST_SECRET", "s3cret")
	cfg, err := Load(writeConfigForTest(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Security.HMACSecret != "s3cret" {
		t.Fatalf("expected env expansion, got %q", cfg.Security.HMACSecret)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" || cfg.Replay.Backend != "memory" || cfg.Replay.TTLSeconds != 3600 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !*cfg.Security.EnforceSignatures || *cfg.Security.EnableAPIKeys || cfg.Security.MaxSkewSeconds != 300 {
		t.Fatalf("unexpected security defaults: %+v", cfg.Security)
	}
	if cfg.Consensus.SuccessAt != 70 || cfg.Consensus.PartialAt != 50 || cfg.Consensus.MaxScore != 10 {
		t.Fatalf("unexpected consensus defaults: %+v", cfg.Consensus)
	}
	if _, err := cfg.Aggregator(); err != nil {
		t.Fatalf("aggregator from defaults: %v", err)
	}
	if cfg.ReplayTTL().Seconds() != 3600 || cfg.MaxSkew().Seconds() != 300 {
		t.Fatalf("unexpected durations")
	}
}

func TestLoadRejectsWeightsNotSummingToOne(t *testing.T) {
	t.Setenv("JUDGELEDGER_TEST_SECRET", "x")
	path := writeConfigForTest(t, minimalConfig+`
consensus:
  weights:
    accuracy: 0.5
    clarity: 0.4
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "consensus.weights") {
		t.Fatalf("expected weight sum error, got %v", err)
	}
}

func TestLoadRequiresSecretWhenSignaturesEnforced(t *testing.T) {
	path := writeConfigForTest(t, `
keys:
  ephemeral: true
judge:
  evaluators:
    - id: "a"
      scores: {overall: 5}
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "security.hmac_secret is required") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestLoadRejectsEvaluatorWithURLAndScores(t *testing.T) {
	path := writeConfigForTest(t, `
keys:
  ephemeral: true
security:
  enforce_signatures: false
judge:
  evaluators:
    - id: "a"
      url: "https://judge.example"
      scores: {overall: 5}
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "exactly one of url|scores") {
		t.Fatalf("expected evaluator shape error, got %v", err)
	}
}

func TestLoadRejectsStaticScoresOffScale(t *testing.T) {
	t.Setenv("JUDGELEDGER_TEST_SECRET", "x")
	path := writeConfigForTest(t, strings.Replace(minimalConfig, "overall: 8", "overall: 55", 1))
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "judge.evaluators[0].scores") {
		t.Fatalf("expected off-scale score error, got %v", err)
	}
}

func TestLoadRejectsPlainHTTPEvaluatorWhenSecureTransportEnabled(t *testing.T) {
	path := writeConfigForTest(t, `
keys:
  ephemeral: true
security:
  enforce_signatures: false
judge:
  evaluators:
    - id: "remote"
      url: "http://judge.example.com/score"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "must use https") {
		t.Fatalf("expected https error, got %v", err)
	}
}

func TestLoadAllowsLoopbackHTTPEvaluator(t *testing.T) {
	path := writeConfigForTest(t, `
keys:
  ephemeral: true
security:
  enforce_signatures: false
judge:
  evaluators:
    - id: "local"
      url: "http://127.0.0.1:9000/score"
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("expected loopback evaluator to be accepted, got %v", err)
	}
}

func TestLoadRejectsInsecureRemotePostgres(t *testing.T) {
	path := writeConfigForTest(t, minimalConfig+`
storage:
  postgres_dsn: "postgres://u:p@db.internal:5432/judge?sslmode=disable"
`)
	t.Setenv("JUDGELEDGER_TEST_SECRET", "x")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "storage.postgres_dsn must use sslmode") {
		t.Fatalf("expected secure postgres transport error, got %v", err)
	}
}

func TestLoadRequiresRedisAddrForRedisBackend(t *testing.T) {
	t.Setenv("JUDGELEDGER_TEST_SECRET", "x")
	path := writeConfigForTest(t, minimalConfig+`
replay:
  backend: "Redis"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "redis.addr is required") {
		t.Fatalf("expected redis addr error, got %v", err)
	}
}

func TestLoadRequiresSigningKeysUnlessEphemeral(t *testing.T) {
	path := writeConfigForTest(t, `
security:
  enforce_signatures: false
judge:
  evaluators:
    - id: "a"
      scores: {overall: 5}
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "keys.signing_private_key_path is required") {
		t.Fatalf("expected signing key error, got %v", err)
	}
}

func TestLoadEnablesAPIKeysWhenConfigured(t *testing.T) {
	t.Setenv("JUDGELEDGER_TEST_SECRET", "x")
	path := writeConfigForTest(t, `
keys:
  ephemeral: true
security:
  hmac_secret: "${JUDGELEDGER_TEST_SECRET}"
  api_keys:
    - id: "team-tools"
      hash: "$2a$04$abcdefghijklmnopqrstuuJ0tTbAqvIJ9pdh6Vp0Q8GQm7J0pYcQi"
  rate_limit:
    requests_per_second: 0.5
judge:
  evaluators:
    - id: "static-a"
      scores:
        overall: 8
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !*cfg.Security.EnableAPIKeys || len(cfg.Security.APIKeys) != 1 || !strings.HasPrefix(cfg.Security.APIKeys[0].Hash, "$2a$04$") {
		t.Fatalf("expected api keys enabled: %+v", cfg.Security)
	}
	if cfg.Security.RateLimit.Burst != 1 {
		t.Fatalf("expected burst floor of 1, got %d", cfg.Security.RateLimit.Burst)
	}
}

func writeConfigForTest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
