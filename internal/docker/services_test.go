package docker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(run *fakeRunner) *ServiceManager {
	return NewServiceManager(NewDiscovery(run, nil), nil)
}

func TestStartRedisReusesHealthyPrimary(t *testing.T) {
	run := newFakeRunner()
	run.on("docker inspect --format {{.State.Status}} netra-dev-redis", "running", nil)
	run.on("docker exec netra-dev-redis redis-cli ping", "PONG", nil)

	ok, msg := newTestManager(run).StartRedis(context.Background())
	require.True(t, ok, msg)
	assert.Contains(t, msg, "reusing")
	assert.False(t, run.called("docker run"), "reuse must not touch docker run")
}

func TestStartRedisReusesLegacyName(t *testing.T) {
	run := newFakeRunner()
	run.on("docker inspect --format {{.State.Status}} netra-dev-redis", "", errors.New("No such object"))
	run.on("docker inspect --format {{.State.Status}} netra-redis-dev", "running", nil)
	run.on("docker exec netra-redis-dev redis-cli ping", "PONG", nil)

	ok, msg := newTestManager(run).StartRedis(context.Background())
	require.True(t, ok, msg)
	assert.Contains(t, msg, "netra-redis-dev")
}

func TestStartRedisRunsFreshContainer(t *testing.T) {
	run := newFakeRunner()
	run.on("docker inspect", "", errors.New("No such object"))
	run.on("docker rm -f netra-dev-redis", "netra-dev-redis", nil)
	run.on("docker run -d --name netra-dev-redis", "aabbcc", nil)
	run.on("docker exec netra-dev-redis redis-cli ping", "PONG", nil)

	ok, msg := newTestManager(run).StartRedis(context.Background())
	require.True(t, ok, msg)
	assert.Contains(t, msg, "started redis")
	assert.True(t, run.called("docker run -d --name netra-dev-redis --restart unless-stopped -p 6379:6379 redis:latest redis-server --appendonly yes"))
}

func TestStartPostgresRunArguments(t *testing.T) {
	run := newFakeRunner()
	run.on("docker inspect", "", errors.New("No such object"))
	run.on("docker rm -f netra-dev-postgres", "", nil)
	run.on("docker run -d --name netra-dev-postgres", "ddeeff", nil)
	run.on("docker exec netra-dev-postgres pg_isready", "accepting connections", nil)

	ok, msg := newTestManager(run).StartPostgres(context.Background())
	require.True(t, ok, msg)
	assert.True(t, run.called(
		"docker run -d --name netra-dev-postgres --restart unless-stopped -p 5433:5432 "+
			"-e POSTGRES_DB=netra_dev -e POSTGRES_USER=netra -e POSTGRES_PASSWORD=netra_dev "+
			"-v netra_dev_postgres_data:/var/lib/postgresql/data postgres:15-alpine"),
		"postgres must publish 5433->5432 and mount its named volume")
}

func TestStartFailureSurfacesAsMessage(t *testing.T) {
	run := newFakeRunner()
	run.on("docker inspect", "", errors.New("No such object"))
	run.on("docker rm -f netra-dev-redis", "", nil)
	run.on("docker run -d --name netra-dev-redis", "", errors.New("port is already allocated"))

	ok, msg := newTestManager(run).StartRedis(context.Background())
	assert.False(t, ok)
	assert.Contains(t, msg, "failed to start redis")
}

func TestStartUnknownService(t *testing.T) {
	ok, msg := newTestManager(newFakeRunner()).Start(context.Background(), "mongodb")
	assert.False(t, ok)
	assert.Contains(t, msg, "unknown service")
}

func TestStopRemovesBothNames(t *testing.T) {
	run := newFakeRunner()
	run.on("docker rm -f netra-dev-redis", "netra-dev-redis", nil)
	run.on("docker rm -f netra-redis-dev", "", errors.New("No such container"))

	ok, msg := newTestManager(run).Stop(context.Background(), "redis")
	require.True(t, ok)
	assert.Contains(t, msg, "netra-dev-redis")
}

func TestStopNothingToRemove(t *testing.T) {
	run := newFakeRunner()
	run.on("docker rm -f", "", errors.New("No such container"))

	ok, _ := newTestManager(run).Stop(context.Background(), "redis")
	assert.False(t, ok)
}

func TestServicesList(t *testing.T) {
	assert.Equal(t, []string{"clickhouse", "postgres", "redis"}, Services())
}
