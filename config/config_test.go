package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/generic"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	t.Setenv("REHEARSAL_DB", filepath.Join(tmpDir, "test.db"))

	yamlContent := `
app:
  name: rehearsal-test
database:
  path: "${REHEARSAL_DB}"
scheduler:
  enabled: true
  interval: 30s
booking:
  slot_minutes: 15
  spaces:
    - id: room-a
      name: Room A
pricing:
  hourly_rate: 20
  block_minutes: 15
  tier_rates:
    sustaining: 16
equipment:
  items:
    - id: amp-1
      name: Bass amp
      rental_fee: 12.5
      deposit: 50
tiers:
  u-42: sustaining
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "rehearsal-test", cfg.App.Name)
	assert.Equal(t, filepath.Join(tmpDir, "test.db"), cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 4, cfg.Scheduler.Workers, "default applied")
	assert.Equal(t, ":8080", cfg.Server.Addr)

	rules := cfg.BookingRules()
	assert.Equal(t, 15, rules.SlotMinutes)
	assert.Equal(t, 8*time.Hour, rules.MaxDuration)

	_, err = cfg.SpaceCatalog().Space("room-a")
	assert.NoError(t, err)

	item, err := cfg.EquipmentCatalog().Item("amp-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.5").Equal(item.RentalFee))

	policy, err := cfg.PricingPolicy()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(20).Equal(policy.HourlyRate))
	assert.Equal(t, 15, policy.BlockMinutes)
	assert.Equal(t, billing.TierSustaining, cfg.TierMap()[generic.UserID("u-42")])
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"empty file is valid", ``, false},
		{"duplicate space", "booking:\n  spaces:\n    - id: a\n    - id: a\n", true},
		{"space without id", "booking:\n  spaces:\n    - name: Nameless\n", true},
		{"negative deposit", "equipment:\n  items:\n    - id: x\n      deposit: -1\n", true},
		{"unknown tier", "tiers:\n  u1: platinum\n", true},
		{"bad pricing", "pricing:\n  hourly_rate: -5\n", true},
		{"inverted durations", "booking:\n  min_duration_minutes: 120\n  max_duration_minutes: 60\n", true},
		{"block wider than slot", "pricing:\n  block_minutes: 60\n", true},
		{"slot of two blocks", "booking:\n  slot_minutes: 60\n", false},
		{"block not dividing slot", "booking:\n  slot_minutes: 45\npricing:\n  block_minutes: 30\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 14, cfg.Equipment.MaxLoanDays)

	policy, err := cfg.PricingPolicy()
	require.NoError(t, err)
	assert.Equal(t, cfg.BookingRules().SlotMinutes, policy.BlockMinutes, "one credit block per booking slot")
}
