package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/lmic-task/internal/config"
	"github.com/ChuLiYu/lmic-task/internal/mac"
	"github.com/ChuLiYu/lmic-task/internal/server"
	"github.com/ChuLiYu/lmic-task/internal/session"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "lmicd", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
		assert.NotNil(t, c.RunE, "%s should have RunE", c.Use)
	}
	for _, want := range []string{"run", "send", "sleep", "wake", "status"} {
		assert.True(t, names[want], "should have %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, config.DefaultPath, configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("addr"))
}

func TestBuildSendCommand(t *testing.T) {
	cmd := buildSendCommand()

	assert.Equal(t, "send", cmd.Use)
	for _, name := range []string{"port", "data", "hex", "confirmed", "wait"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "should have --%s", name)
	}
	assert.Equal(t, "d", cmd.Flags().Lookup("data").Shorthand)
	assert.Equal(t, "1", cmd.Flags().Lookup("port").DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.Equal(t, "0s", cmd.Flags().Lookup("bench").DefValue)
}

func TestDecodePayload(t *testing.T) {
	b, err := decodePayload("hello", false)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)

	b, err = decodePayload("01ff", true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0xFF}, b)

	_, err = decodePayload("abc", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode payload")
}

func TestPrintSend(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSend(&buf, server.SendReply{Result: "enqueued", Accepted: true}))
	assert.Equal(t, "payload enqueued\n", buf.String())

	buf.Reset()
	err := printSend(&buf, server.SendReply{Result: "full", Error: "slot occupied"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full")
	assert.Contains(t, buf.String(), "not accepted")
}

func TestPrintStatusSortsKeys(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, map[string]any{"state": "running", "busy": false, "jobs_run": float64(3)})

	out := buf.String()
	busy := strings.Index(out, "busy:")
	jobs := strings.Index(out, "jobs_run:")
	state := strings.Index(out, "state:")
	require.True(t, busy >= 0 && jobs >= 0 && state >= 0, out)
	assert.Less(t, busy, jobs)
	assert.Less(t, jobs, state)
	assert.Contains(t, out, "└─ state:")
}

func TestResolveAddr(t *testing.T) {
	t.Cleanup(func() { configFile, controlAddr = config.DefaultPath, "" })

	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lorawan:
  dev_addr: "26011BDA"
server:
  addr: "127.0.0.1:7000"
`), 0o644))

	configFile, controlAddr = path, ""
	assert.Equal(t, "127.0.0.1:7000", resolveAddr())

	controlAddr = "127.0.0.1:7001"
	assert.Equal(t, "127.0.0.1:7001", resolveAddr())

	configFile, controlAddr = "/nonexistent.yaml", ""
	assert.Equal(t, config.Default().Server.Addr, resolveAddr())
}

func TestRunFailsOnMissingConfig(t *testing.T) {
	t.Cleanup(func() { configFile = config.DefaultPath })
	configFile = "/nonexistent/config.yaml"

	err := runDaemon(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestDaemonEndToEnd(t *testing.T) {
	t.Cleanup(func() { configFile, controlAddr = config.DefaultPath, "" })

	cfg := config.Default()
	cfg.LoRaWAN.DevAddr = mac.DevAddr(0x26011BDA)
	cfg.Server.Addr = freeAddr(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = freeAddr(t)
	cfg.Session.Path = filepath.Join(t.TempDir(), "state", "session.json")
	require.NoError(t, cfg.Validate())

	d, err := newDaemon(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx, 100*time.Millisecond) }()
	stopped := false
	defer func() {
		if !stopped {
			cancel()
			<-done
		}
	}()

	addr := "--addr=" + cfg.Server.Addr
	require.Eventually(t, func() bool {
		_, err := execute(t, addr, "status")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	out, err := execute(t, addr, "send", "--port", "5", "--data", "hello", "--wait", "1s")
	require.NoError(t, err)
	assert.Contains(t, out, "payload enqueued")
	require.Eventually(t, func() bool { return d.sim.Status().Seq == 1 }, 5*time.Second, 10*time.Millisecond)

	fifo := d.chip.Fifo()
	require.Len(t, fifo, mac.FrameOverhead+len("hello"))
	assert.Equal(t, "hello", string(fifo[9:14]))

	out, err = execute(t, addr, "sleep")
	require.NoError(t, err)
	assert.Contains(t, out, "task sleeping")

	out, err = execute(t, addr, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "sleeping")

	out, err = execute(t, addr, "wake")
	require.NoError(t, err)
	assert.Contains(t, out, "task running")

	resp, err := http.Get("http://" + cfg.Metrics.Addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "lmic_busy")
	assert.Contains(t, string(body), "lmic_transmissions_total")

	cancel()
	require.NoError(t, <-done)
	stopped = true

	st, ok, err := session.NewStore(cfg.Session.Path, 0).Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mac.SessionState{DevAddr: 0x26011BDA, FCntUp: 1}, st)
}

func TestDaemonResumesSession(t *testing.T) {
	cfg := config.Default()
	cfg.LoRaWAN.DevAddr = mac.DevAddr(0x26011BDA)
	cfg.Server.Addr = freeAddr(t)
	cfg.Session.Path = filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, session.NewStore(cfg.Session.Path, 0).Save(mac.SessionState{DevAddr: 0x26011BDA, FCntUp: 500}))

	d, err := newDaemon(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, d.session)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx, 0) }()

	require.Eventually(t, func() bool { return d.task.State().String() == "running" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(500), d.sim.Status().Seq)

	cancel()
	require.NoError(t, <-done)
}

func TestDaemonRefusesDamagedSession(t *testing.T) {
	cfg := config.Default()
	cfg.LoRaWAN.DevAddr = mac.DevAddr(0x26011BDA)
	cfg.Session.Path = filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(cfg.Session.Path, []byte("garbage"), 0o600))

	_, err := newDaemon(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load session")
}
