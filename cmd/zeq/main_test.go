package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"

	"zeq/internal/broker"
	"zeq/internal/config"
	"zeq/internal/vocabulary"
)

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return strconv.Itoa(port)
}

func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Discovery.Mode = config.DiscoveryMemory
	cfg.Discovery.Timeout = config.Duration(time.Second)
	cfg.Emit.Interval = config.Duration(20 * time.Millisecond)
	cfg.ReceiveTimeout = config.Duration(10 * time.Millisecond)
	return cfg
}

func TestParseFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zeq.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"publish": "foo://*:5555", "emit": {"echo": "from file"}}`), 0o600))

	cfg, err := parseFlags([]string{
		"-config", path,
		"-subscribe", "bar://localhost:6000",
		"-subscribe", "baz://",
		"-discovery", "MEMORY",
		"-camera",
		"-interval", "250ms",
	})
	require.NoError(t, err)
	assert.Equal(t, "foo://*:5555", cfg.Publish)
	assert.Equal(t, "from file", cfg.Emit.Echo)
	assert.Equal(t, []string{"bar://localhost:6000", "baz://"}, cfg.Subscribe)
	assert.Equal(t, config.DiscoveryMemory, cfg.Discovery.Mode)
	assert.True(t, cfg.Emit.Camera)
	assert.True(t, cfg.Emit.Heartbeat)
	assert.Equal(t, 250*time.Millisecond, cfg.Emit.Interval.Duration())
}

func TestParseFlagsRejectsInvalidConfig(t *testing.T) {
	_, err := parseFlags([]string{"-publish", "foo://localhost:5555"})
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = parseFlags([]string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestNodeReceivesItsOwnEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Publish = "foo://"
	cfg.Subscribe = []string{"foo://"}
	cfg.Emit.Echo = "hello"

	var reg *prometheus.Registry
	app := fxtest.New(t, appOptions(cfg, zaptest.NewLogger(t)), fx.Populate(&reg))
	app.RequireStart()
	defer app.RequireStop()

	require.Eventually(t, func() bool {
		return counter(t, reg, "zeq_broker_events_dispatched_total") >= 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0.0, counter(t, reg, "zeq_broker_events_discarded_total"))
}

func TestExitEventStopsNode(t *testing.T) {
	port := freePort(t)
	remote, err := broker.New(context.Background(), broker.WithPublisher("foo://*:"+port))
	require.NoError(t, err)
	defer remote.Close()

	cfg := testConfig()
	cfg.Discovery.Mode = config.DiscoveryNone
	cfg.Subscribe = []string{"foo://localhost:" + port}

	app := fxtest.New(t, appOptions(cfg, zaptest.NewLogger(t)))
	app.RequireStart()
	defer app.RequireStop()

	deadline := time.After(5 * time.Second)
	for {
		_, err := remote.Publish(vocabulary.SerializeExit())
		require.NoError(t, err)
		select {
		case <-app.Done():
			return
		case <-deadline:
			t.Fatal("node did not shut down on exit event")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Discovery.Mode = config.DiscoveryNone
	cfg.Metrics.Addr = "127.0.0.1:" + freePort(t)

	app := fxtest.New(t, appOptions(cfg, zaptest.NewLogger(t)))
	app.RequireStart()
	defer app.RequireStop()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Metrics.Addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK &&
			strings.Contains(string(body), "zeq_broker_subscriptions")
	}, 2*time.Second, 20*time.Millisecond)
}
