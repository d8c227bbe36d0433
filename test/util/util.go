// Package util holds helpers shared by tests that need a real broker or a
// live metrics endpoint.
package util

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	BrokerTimeout = 30 * time.Second
	MetricTimeout = 5 * time.Second

	pollInterval = 50 * time.Millisecond
	mosquittoImg = "eclipse-mosquitto:2.0"
)

const mosquittoConf = `listener 1883
allow_anonymous true
persistence false
log_dest stdout
log_type error
log_type warning
log_type notice
`

// Mosquitto starts a disposable broker for tb and returns its URL. The test
// is skipped when no container runtime is reachable.
func Mosquitto(tb testing.TB) string {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), BrokerTimeout)
	defer cancel()

	conf := filepath.Join(tb.TempDir(), "mosquitto.conf")
	if err := os.WriteFile(conf, []byte(mosquittoConf), 0o644); err != nil {
		tb.Fatalf("write mosquitto.conf: %v", err)
	}
	ctr, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        mosquittoImg,
			ExposedPorts: []string{"1883/tcp"},
			Files: []tc.ContainerFile{{
				HostFilePath:      conf,
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0o644,
			}},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("1883/tcp"),
				wait.ForLog("running"),
			),
		},
		Started: true,
	})
	tc.CleanupContainer(tb, ctr)
	if err != nil {
		tb.Skipf("mosquitto unavailable: %v", err)
	}

	endpoint, err := ctr.PortEndpoint(ctx, "1883/tcp", "tcp")
	if err != nil {
		tb.Fatalf("broker endpoint: %v", err)
	}
	if err := awaitBroker(ctx, endpoint); err != nil {
		tb.Fatalf("broker not ready: %v", err)
	}
	return endpoint
}

// awaitBroker connects until the broker accepts a session.
func awaitBroker(ctx context.Context, broker string) error {
	opts := paho.NewClientOptions().AddBroker(broker).SetClientID("ems-ready").SetConnectTimeout(time.Second)
	for {
		cli := paho.NewClient(opts)
		tok := cli.Connect()
		tok.Wait()
		if tok.Error() == nil {
			cli.Disconnect(100)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: last error %v", ctx.Err(), tok.Error())
		case <-time.After(pollInterval):
		}
	}
}

// WaitForMetric polls url until its exposition contains substr, failing tb
// after MetricTimeout.
func WaitForMetric(tb testing.TB, url, substr string) {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), MetricTimeout)
	defer cancel()
	var last string
	for {
		body, err := scrape(ctx, url)
		if err == nil && strings.Contains(body, substr) {
			return
		}
		if err == nil {
			last = body
		}
		select {
		case <-ctx.Done():
			tb.Fatalf("metric %q not exposed at %s:\n%s", substr, url, last)
			return
		case <-time.After(pollInterval):
		}
	}
}

func scrape(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	return string(b), err
}
