package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the process-level configuration for the fleetadmin service,
// loaded once from the environment at startup.
type Config struct {
	Addr        string
	DatabaseURL string

	// SwarmingHost is the base URL of the task-execution service.
	SwarmingHost string
	// OrchestratorHost is the base URL of the recovery-build scheduler used
	// by the new flow.
	OrchestratorHost string

	// BotPool is the swarming pool that holds the managed DUTs and labstations.
	BotPool string

	// CommonTags are attached to every dispatched task.
	CommonTags []string

	BackgroundTaskExpirationSecs       int
	BackgroundTaskExecutionTimeoutSecs int

	RolloutPolicyFile string

	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	AuthKeysFile    string
	AllowDebugToken bool
	DebugToken      string
}

const (
	defaultAddr           = ":8071"
	defaultBotPool        = "ChromeOSSkylab"
	defaultExpirationSecs = 600
	defaultExecutionSecs  = 5400
)

func Load() (Config, error) {
	cfg := Config{
		Addr:                               getEnv("FLEETADMIN_ADDR", defaultAddr),
		DatabaseURL:                        firstNonEmpty(os.Getenv("FLEETADMIN_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		SwarmingHost:                       os.Getenv("FLEETADMIN_SWARMING_HOST"),
		OrchestratorHost:                   os.Getenv("FLEETADMIN_ORCHESTRATOR_HOST"),
		BotPool:                            getEnv("FLEETADMIN_BOT_POOL", defaultBotPool),
		CommonTags:                         splitList(os.Getenv("FLEETADMIN_COMMON_TAGS")),
		BackgroundTaskExpirationSecs:       getInt("FLEETADMIN_TASK_EXPIRATION_SECS", defaultExpirationSecs),
		BackgroundTaskExecutionTimeoutSecs: getInt("FLEETADMIN_TASK_EXECUTION_SECS", defaultExecutionSecs),
		RolloutPolicyFile:                  os.Getenv("FLEETADMIN_ROLLOUT_POLICY_FILE"),
		KafkaBrokers:                       splitList(os.Getenv("FLEETADMIN_KAFKA_BROKERS")),
		KafkaTopic:                         getEnv("FLEETADMIN_KAFKA_TOPIC", "fleetadmin.decisions"),
		S3Bucket:                           os.Getenv("FLEETADMIN_S3_BUCKET"),
		S3Prefix:                           os.Getenv("FLEETADMIN_S3_PREFIX"),
		AuthKeysFile:                       os.Getenv("FLEETADMIN_AUTH_KEYS_FILE"),
		AllowDebugToken:                    getBool("FLEETADMIN_ALLOW_DEBUG_TOKEN", false),
		DebugToken:                         os.Getenv("FLEETADMIN_DEBUG_TOKEN"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or FLEETADMIN_DATABASE_URL required")
	}
	if cfg.SwarmingHost == "" {
		return Config{}, fmt.Errorf("FLEETADMIN_SWARMING_HOST required")
	}
	return cfg, nil
}

// RolloutConfig is the operator-supplied policy for one task family. It is
// immutable within a single routing decision.
type RolloutConfig struct {
	Enable          bool     `json:"enable"`
	RolloutPermille int      `json:"rolloutPermille"`
	OptinAllDuts    bool     `json:"optinAllDuts"`
	OptinDutPool    []string `json:"optinDutPool"`
	UfsErrorPolicy  string   `json:"ufsErrorPolicy"`
}

// RolloutPolicy holds the per-task-family rollout configs. A nil family
// config means that family is entirely on the legacy path.
type RolloutPolicy struct {
	LabstationRepair *RolloutConfig `json:"labstationRepair"`
	DutRepair        *RolloutConfig `json:"dutRepair"`
}

// LoadRolloutPolicy reads and validates the rollout policy document. A missing
// path yields an empty (all-legacy) policy rather than an error so the service
// can run before any rollout has been configured.
func LoadRolloutPolicy(path string) (RolloutPolicy, error) {
	if path == "" {
		return RolloutPolicy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RolloutPolicy{}, fmt.Errorf("read rollout policy: %w", err)
	}
	var policy RolloutPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return RolloutPolicy{}, fmt.Errorf("parse rollout policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return RolloutPolicy{}, err
	}
	return policy, nil
}

// Validate rejects rollout configs whose permille falls outside [0, 1000].
// Out-of-range values are a configuration error, not something the router
// clamps at decision time.
func (p RolloutPolicy) Validate() error {
	for name, rc := range map[string]*RolloutConfig{
		"labstationRepair": p.LabstationRepair,
		"dutRepair":        p.DutRepair,
	} {
		if rc == nil {
			continue
		}
		if rc.RolloutPermille < 0 || rc.RolloutPermille > 1000 {
			return fmt.Errorf("rollout policy %s: rolloutPermille %d outside [0, 1000]", name, rc.RolloutPermille)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
