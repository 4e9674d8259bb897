//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"thlogger-gateway/internal/config"
	"thlogger-gateway/internal/measurement"
	"thlogger-gateway/internal/mqtt"
)

const repoRootRel = ".." // relative to ./e2e

const mqttPort = nat.Port("1883/tcp")

func TestSmoke_MQTTPublish(t *testing.T) {
	host, port := startBroker(t)

	received := make(chan paho.Message, 16)
	sub := paho.NewClient(paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", host, port)).
		SetClientID("e2e-subscriber"))
	if tok := sub.Connect(); !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		t.Fatalf("subscriber connect: %v", tok.Error())
	}
	t.Cleanup(func() { sub.Disconnect(100) })
	if tok := sub.Subscribe("e2e/#", 1, func(_ paho.Client, m paho.Message) { received <- m }); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("subscribe: %v", tok.Error())
	}

	cfg := config.Config{
		MQTTBroker:      host,
		MQTTPort:        port,
		MQTTClientID:    "e2e-gateway",
		MQTTTopicPrefix: "e2e",
	}
	client := mqtt.NewClient(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("gateway connect: %v", err)
	}
	t.Cleanup(client.Disconnect)
	waitFor(t, client.IsConnected, 5*time.Second)

	live := mqtt.LiveMessage{DeviceID: "AA:BB", Timestamp: time.Now().UTC(), Temperature: 21.5, Humidity: 40}
	if err := client.PublishLive("AA:BB", live); err != nil {
		t.Fatalf("PublishLive: %v", err)
	}
	records := []measurement.Record{{DeviceID: "AA:BB", RecordIndex: 0, Timestamp: time.Unix(1700000000, 0).UTC(), Temperature: 20, Humidity: 50}}
	if err := client.PublishMeasurements("AA:BB", mqtt.Batch("AA:BB", records)); err != nil {
		t.Fatalf("PublishMeasurements: %v", err)
	}

	want := map[string]bool{
		mqtt.LiveTopic("e2e", "AA:BB"):         false,
		mqtt.MeasurementsTopic("e2e", "AA:BB"): false,
	}
	deadline := time.After(10 * time.Second)
	for remaining := len(want); remaining > 0; {
		select {
		case m := <-received:
			switch m.Topic() {
			case mqtt.LiveTopic("e2e", "AA:BB"):
				var got mqtt.LiveMessage
				if err := json.Unmarshal(m.Payload(), &got); err != nil {
					t.Fatalf("decode live: %v", err)
				}
				if got.Temperature != 21.5 {
					t.Fatalf("live temperature = %v; want 21.5", got.Temperature)
				}
			case mqtt.MeasurementsTopic("e2e", "AA:BB"):
				var got mqtt.MeasurementBatch
				if err := json.Unmarshal(m.Payload(), &got); err != nil {
					t.Fatalf("decode batch: %v", err)
				}
				if len(got.Records) != 1 || got.Batches != 1 {
					t.Fatalf("batch = %+v; want 1 record in 1 batch", got)
				}
			default:
				continue
			}
			if !want[m.Topic()] {
				want[m.Topic()] = true
				remaining--
			}
		case <-deadline:
			t.Fatalf("timed out waiting for messages, seen %v", want)
		}
	}
}

func TestSmoke_MigrateCLI(t *testing.T) {
	bin := buildBinary(t, repoRootPath(t), "./cmd/migrate", "thlogger-migrate")
	dbPath := filepath.Join(t.TempDir(), "gateway.db")
	env := append(os.Environ(), "APP_ENV=prod", "LOG_LEVEL=error", "SQLITE_PATH="+dbPath)

	out := runCLI(t, bin, env, "migrate")
	if !strings.HasPrefix(out, "2 migrations applied") {
		t.Fatalf("first migrate output = %q; want 2 applied", out)
	}
	out = runCLI(t, bin, env, "migrate")
	if !strings.HasPrefix(out, "0 migrations applied") {
		t.Fatalf("second migrate output = %q; want 0 applied", out)
	}
	out = runCLI(t, bin, env, "purge", "30")
	if !strings.HasPrefix(out, "0 measurements") {
		t.Fatalf("purge output = %q; want 0 deleted", out)
	}

	cmd := exec.Command(bin, "bogus")
	cmd.Env = env
	if err := cmd.Run(); err == nil {
		t.Fatalf("unknown command succeeded; want non-zero exit")
	}
}

func startBroker(t *testing.T) (string, int) {
	t.Helper()
	ctx := context.Background()

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "eclipse-mosquitto:1.6",
			ExposedPorts: []string{string(mqttPort)},
			WaitingFor:   wait.ForListeningPort(mqttPort).WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, mqttPort)
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	port, err := strconv.Atoi(mapped.Port())
	if err != nil {
		t.Fatalf("parse port %q: %v", mapped.Port(), err)
	}
	return host, port
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}
	return repo
}

func buildBinary(t *testing.T, repoRoot, pkg, name string) string {
	t.Helper()

	out := filepath.Join(t.TempDir(), name)
	build := exec.Command("go", "build", "-o", out, pkg)
	build.Dir = repoRoot
	build.Env = os.Environ()

	b, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(b))
	}
	return out
}

func runCLI(t *testing.T, bin string, env []string, args ...string) string {
	t.Helper()

	cmd := exec.Command(bin, args...)
	cmd.Env = env
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("%s %v: %v", filepath.Base(bin), args, err)
	}
	return string(out)
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("condition not met after %s", timeout)
}
