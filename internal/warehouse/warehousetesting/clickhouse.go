// Package warehousetesting starts a disposable ClickHouse warehouse for integration tests.
package warehousetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/malbeclabs/insights/internal/warehouse"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

type ClickHouseConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *ClickHouseConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// NewClickHouse starts a ClickHouse container, applies the rollup migrations
// and returns a source connected to it. Everything is torn down with t.
func NewClickHouse(t testing.TB, log *slog.Logger, cfg *ClickHouseConfig) *warehouse.Source {
	t.Helper()
	ctx := t.Context()

	if cfg == nil {
		cfg = &ClickHouseConfig{}
	}
	require.NoError(t, cfg.Validate())

	var (
		container *tcch.ClickHouseContainer
		lastErr   error
	)
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			require.NoError(t, err)
		}
		break
	}
	if container == nil {
		t.Fatalf("failed to start ClickHouse container after retries: %v", lastErr)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate ClickHouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%s/tcp", cfg.Port)))
	require.NoError(t, err)
	addr := fmt.Sprintf("%s:%s", host, mappedPort.Port())

	src, err := warehouse.NewClickHouseSource(
		warehouse.WithClickHouseAddr(addr),
		warehouse.WithClickHouseDatabase(cfg.Database),
		warehouse.WithClickHouseUser(cfg.Username),
		warehouse.WithClickHousePassword(cfg.Password),
		warehouse.WithClickHouseTLSDisabled(true),
		warehouse.WithClickHouseLogger(log),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := src.Close(); err != nil {
			t.Logf("failed to close ClickHouse source: %v", err)
		}
	})

	// ClickHouse may need a moment after the container reports ready.
	for attempt := 1; attempt <= 3; attempt++ {
		err = src.Ping(ctx)
		if err == nil || !isRetryableConnectionErr(err) || attempt == 3 {
			break
		}
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	require.NoError(t, err)

	require.NoError(t, warehouse.RunMigrations(ctx, log, src))
	return src
}

func isRetryableContainerStartErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}

func isRetryableConnectionErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "handshake") ||
		strings.Contains(s, "packet") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "EOF")
}
