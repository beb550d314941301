package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/lmic-task/internal/mac"
)

const abp = `
lorawan:
  dev_addr: "26011BDA"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
log:
  json: true
  level: debug
tick:
  ticks_per_second: 1024
task:
  allow_override: false
  wait_margin: 20ms
  sleep_ack_timeout: 2s
  wake_poll_interval: 5ms
  wake_poll_limit: 100
  max_compensation: 30m
lorawan:
  otaa: true
  spreading_factor: 9
  tx_power: 10
  app_eui: "70B3D57ED0000000"
  dev_eui: "00:04:A3:0B:00:1C:05:30"
  app_key: "2B7E151628AED2A6ABF7158809CF4F3C"
sim:
  join_accept_delay: 6s
  bands:
    - name: g3
      duty_cycle: 0.1
      channels: [869525000]
session:
  path: /var/lib/lmicd/session.json
  backups: 4
  flush_interval: 250ms
metrics:
  enabled: true
  addr: ":9191"
server:
  addr: "127.0.0.1:6000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, uint32(1024), cfg.Tick.TicksPerSecond)

	assert.False(t, cfg.Task.AllowOverride)
	assert.Equal(t, 20*time.Millisecond, cfg.Task.WaitMargin)
	assert.Equal(t, 2*time.Second, cfg.Task.SleepAckTimeout)
	assert.Equal(t, 5*time.Millisecond, cfg.Task.WakePollInterval)
	assert.Equal(t, 100, cfg.Task.WakePollLimit)
	assert.Equal(t, 30*time.Minute, cfg.Task.MaxCompensation)

	assert.True(t, cfg.LoRaWAN.OTAA)
	assert.Equal(t, 9, cfg.LoRaWAN.SpreadingFactor)
	assert.Equal(t, mac.EUI{0x00, 0x04, 0xA3, 0x0B, 0x00, 0x1C, 0x05, 0x30}, cfg.LoRaWAN.DevEUI)
	assert.Equal(t, byte(0x2B), cfg.LoRaWAN.AppKey[0])

	assert.Equal(t, 6*time.Second, cfg.Sim.JoinAcceptDelay)
	require.Len(t, cfg.Sim.Bands, 1)
	assert.Equal(t, "g3", cfg.Sim.Bands[0].Name)
	assert.InDelta(t, 0.1, cfg.Sim.Bands[0].DutyCycle, 1e-9)
	assert.Equal(t, []uint32{869525000}, cfg.Sim.Bands[0].Channels)

	assert.Equal(t, "/var/lib/lmicd/session.json", cfg.Session.Path)
	assert.Equal(t, 4, cfg.Session.Backups)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.FlushInterval)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9191", cfg.Metrics.Addr)
	assert.Equal(t, "127.0.0.1:6000", cfg.Server.Addr)
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, abp))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, mac.DevAddr(0x26011BDA), cfg.LoRaWAN.DevAddr)
	assert.Equal(t, def.Task, cfg.Task)
	assert.Equal(t, def.Tick, cfg.Tick)
	assert.Equal(t, def.Sim.Bands, cfg.Sim.Bands)
	assert.Equal(t, def.Server.Addr, cfg.Server.Addr)
	assert.Equal(t, mac.MinSpreadingFactor, cfg.LoRaWAN.SpreadingFactor)
	assert.Empty(t, cfg.Session.Path, "persistence is off unless configured")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `
task:
  wait_margin: [not, a, duration]
  broken indentation
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config YAML")
}

func TestLoad_RepositoryDefault(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultPath))
	require.NoError(t, err)
	assert.Equal(t, mac.DevAddr(0x26011BDA), cfg.LoRaWAN.DevAddr)
	assert.Equal(t, Default().Task, cfg.Task)
	assert.Equal(t, "data/session.json", cfg.Session.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero tick rate", func(c *Config) { c.Tick.TicksPerSecond = 0 }, "ticks_per_second"},
		{"negative margin", func(c *Config) { c.Task.WaitMargin = -time.Millisecond }, "negative"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"zero duty", func(c *Config) { c.Sim.Bands = []mac.Band{{Name: "x", Channels: []uint32{1}}} }, "duty cycle"},
		{"no channels", func(c *Config) { c.Sim.Bands = []mac.Band{{Name: "x", DutyCycle: 0.01}} }, "no channels"},
		{"compensation past half the tick range", func(c *Config) { c.Task.MaxCompensation = 24 * time.Hour }, "max_compensation"},
		{"negative backups", func(c *Config) { c.Session.Backups = -1 }, "session"},
		{"no server addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, "metrics.addr"},
		{"abp without address", func(c *Config) { c.LoRaWAN.DevAddr = 0 }, "device address"},
		{"otaa without eui", func(c *Config) { c.LoRaWAN.OTAA = true }, "device EUI"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.LoRaWAN.DevAddr = 0x26011BDA
			require.NoError(t, cfg.Validate())

			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_MaxCompensationBound(t *testing.T) {
	cfg := Default()
	cfg.LoRaWAN.DevAddr = 0x26011BDA

	// 2^31 ticks at 32768 ticks/s is 65536 s
	cfg.Task.MaxCompensation = 65535 * time.Second
	require.NoError(t, cfg.Validate())

	cfg.Task.MaxCompensation = 65536 * time.Second
	require.Error(t, cfg.Validate())

	cfg.Tick.TicksPerSecond = 1000
	cfg.Task.MaxCompensation = 24 * time.Hour
	require.NoError(t, cfg.Validate(), "slower ticks allow longer sleeps")
}

func TestOrchestratorConfig(t *testing.T) {
	cfg := Default()
	cfg.LoRaWAN.DevAddr = 0x26011BDA
	cfg.Task.AllowOverride = false
	cfg.Task.WakePollLimit = 7

	oc := cfg.Orchestrator()
	assert.False(t, oc.AllowOverride)
	assert.Equal(t, 7, oc.WakePollLimit)
	assert.Equal(t, cfg.Task.MaxCompensation, oc.MaxCompensation)
	assert.Equal(t, mac.DevAddr(0x26011BDA), oc.LoRaWAN.DevAddr)
	assert.Nil(t, oc.Fatal)
}
