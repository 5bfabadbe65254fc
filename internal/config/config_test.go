package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_RequiresDatabaseAndSwarming(t *testing.T) {
	t.Setenv("FLEETADMIN_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("FLEETADMIN_SWARMING_HOST", "")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://localhost/fleetadmin")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("FLEETADMIN_SWARMING_HOST", "https://swarming.example.com")
	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, "postgres://localhost/fleetadmin", cfg.DatabaseURL)
	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, defaultBotPool, cfg.BotPool)
	assert.Equal(t, defaultExpirationSecs, cfg.BackgroundTaskExpirationSecs)
}

func TestLoad_ParsesLists(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/fleetadmin")
	t.Setenv("FLEETADMIN_SWARMING_HOST", "https://swarming.example.com")
	t.Setenv("FLEETADMIN_COMMON_TAGS", "env:prod, team:fleet ,")
	t.Setenv("FLEETADMIN_KAFKA_BROKERS", "broker1:9092,broker2:9092")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, []string{"env:prod", "team:fleet"}, cfg.CommonTags)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
}

func TestLoadRolloutPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollout.json")
	doc := `{
		"labstationRepair": {"enable": true, "rolloutPermille": 500, "optinDutPool": ["labstation_main"]},
		"dutRepair": {"enable": false}
	}`
	assert.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	policy, err := LoadRolloutPolicy(path)
	assert.NoError(t, err)
	assert.NotNil(t, policy.LabstationRepair)
	assert.True(t, policy.LabstationRepair.Enable)
	assert.Equal(t, 500, policy.LabstationRepair.RolloutPermille)
	assert.Equal(t, []string{"labstation_main"}, policy.LabstationRepair.OptinDutPool)
	assert.NotNil(t, policy.DutRepair)
	assert.False(t, policy.DutRepair.Enable)
}

func TestLoadRolloutPolicy_EmptyPathIsAllLegacy(t *testing.T) {
	policy, err := LoadRolloutPolicy("")
	assert.NoError(t, err)
	assert.Nil(t, policy.LabstationRepair)
	assert.Nil(t, policy.DutRepair)
}

func TestLoadRolloutPolicy_RejectsBadPermille(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollout.json")
	doc := `{"labstationRepair": {"enable": true, "rolloutPermille": 1500}}`
	assert.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := LoadRolloutPolicy(path)
	assert.Error(t, err)

	doc = `{"dutRepair": {"enable": true, "rolloutPermille": -1}}`
	assert.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	_, err = LoadRolloutPolicy(path)
	assert.Error(t, err)
}

func TestLoadRolloutPolicy_MalformedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollout.json")
	assert.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))

	_, err := LoadRolloutPolicy(path)
	assert.Error(t, err)
}
