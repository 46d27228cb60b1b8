//go:build integration

package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/etag"
	"github.com/matt-riley/flagedge/internal/repository"
	"github.com/matt-riley/flagedge/internal/service"
	"github.com/matt-riley/flagedge/internal/stream"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "flagedge_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/flagedge_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}
	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}
	connStr := fmt.Sprintf("postgresql://test:test@%s:%s/flagedge_test?sslmode=disable", host, mappedPort.Port())

	migrationsDir, err := findMigrationsDir()
	if err != nil {
		log.Printf("find migrations: %v", err)
		return 1
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

// findMigrationsDir walks up from the working directory until it finds a
// migrations/ directory (the repository root contains it).
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}

type fixture struct {
	environmentID uuid.UUID
	featureID     uuid.UUID
	serverKey     core.Key
	clientKey     core.Key
}

// seedEnvironment creates one environment holding a single boolean feature.
func seedEnvironment(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	f := fixture{environmentID: uuid.New(), featureID: uuid.New()}
	applicationID := uuid.New()
	serverSecret := "srv-" + uuid.NewString()
	clientSecret := "cli-" + uuid.NewString() + "*"

	_, err := testPool.Exec(ctx, `INSERT INTO service_account_environments
 (environment_id, service_account_id, organisation_id, portfolio_id, application_id, api_key_server_eval, api_key_client_eval)
 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.environmentID, uuid.New(), uuid.New(), uuid.New(), applicationID, serverSecret, clientSecret)
	if err != nil {
		t.Fatalf("insert service account: %v", err)
	}
	_, err = testPool.Exec(ctx, `INSERT INTO features (id, application_id, key, value_type) VALUES ($1, $2, 'banner', 'BOOLEAN')`,
		f.featureID, applicationID)
	if err != nil {
		t.Fatalf("insert feature: %v", err)
	}
	_, err = testPool.Exec(ctx, `INSERT INTO feature_values (feature_id, environment_id, version, default_value) VALUES ($1, $2, 1, 'true')`,
		f.featureID, f.environmentID)
	if err != nil {
		t.Fatalf("insert feature value: %v", err)
	}

	f.serverKey = core.Key{CacheName: core.DefaultCacheName, EnvironmentID: f.environmentID, ServiceCredential: serverSecret}
	f.clientKey = core.Key{CacheName: core.DefaultCacheName, EnvironmentID: f.environmentID, ServiceCredential: clientSecret}
	return f
}

func bumpFeature(t *testing.T, f fixture, value string) {
	t.Helper()
	_, err := testPool.Exec(context.Background(),
		`UPDATE feature_values SET version = version + 1, default_value = $3 WHERE feature_id = $1 AND environment_id = $2`,
		f.featureID, f.environmentID, value)
	if err != nil {
		t.Fatalf("update feature value: %v", err)
	}
}

func TestGetDetails(t *testing.T) {
	f := seedEnvironment(t)
	tier := repository.NewPostgresCacheTier(testPool)
	ctx := context.Background()

	for _, key := range []core.Key{f.serverKey, f.clientKey} {
		details, err := tier.GetDetails(ctx, key)
		if err != nil {
			t.Fatalf("GetDetails(%v) error = %v", key, err)
		}
		if len(details.Features) != 1 || details.Features[0].Key != "banner" || details.Features[0].Value != true {
			t.Fatalf("GetDetails(%v) features = %+v, want banner=true", key, details.Features)
		}
		if details.ETag == "" || details.Metadata.ApplicationID == "" {
			t.Fatalf("GetDetails(%v) = %+v, want etag and metadata", key, details)
		}
	}

	unknown := f.serverKey
	unknown.ServiceCredential = "nope"
	if _, err := tier.GetDetails(ctx, unknown); !errors.Is(err, service.ErrKeyNotFound) {
		t.Fatalf("GetDetails(unknown) error = %v, want ErrKeyNotFound", err)
	}
}

func TestPing(t *testing.T) {
	tier := repository.NewPostgresCacheTier(testPool)
	if err := tier.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestETagFollowsFeatureVersion(t *testing.T) {
	f := seedEnvironment(t)
	tier := repository.NewPostgresCacheTier(testPool)
	ctx := context.Background()

	before, err := tier.GetDetails(ctx, f.serverKey)
	if err != nil {
		t.Fatalf("GetDetails() error = %v", err)
	}
	bumpFeature(t, f, "false")
	after, err := tier.GetDetails(ctx, f.serverKey)
	if err != nil {
		t.Fatalf("GetDetails() error = %v", err)
	}

	if before.ETag == after.ETag {
		t.Fatalf("etag unchanged after version bump: %q", before.ETag)
	}
}

func TestOrchestratorConditionalRequest(t *testing.T) {
	f := seedEnvironment(t)
	orchestrator := service.New(repository.NewPostgresCacheTier(testPool))
	defer orchestrator.Close()

	ctx := context.Background()
	keys := []core.Key{f.serverKey}
	evalCtx := core.EvaluationContext{}

	first, err := orchestrator.Request(ctx, keys, evalCtx, etag.Split("", keys, evalCtx.Tag()))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if first[0].Outcome != service.OutcomeSuccess {
		t.Fatalf("first outcome = %s, want SUCCESS", first[0].Outcome)
	}

	tag := etag.Join(etag.Holder{ContextTag: evalCtx.Tag()}, []string{first[0].ETag})
	second, err := orchestrator.Request(ctx, keys, evalCtx, etag.Split(tag, keys, evalCtx.Tag()))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if second[0].Outcome != service.OutcomeNoChange {
		t.Fatalf("second outcome = %s, want NO_CHANGE", second[0].Outcome)
	}
}

// recordingConnection collects what the fan-out delivers.
type recordingConnection struct {
	id      uuid.UUID
	key     core.Key
	initial chan service.Response
	updates chan core.FeatureUpdate

	mu     sync.Mutex
	closed bool
}

func newRecordingConnection(key core.Key) *recordingConnection {
	return &recordingConnection{
		id:      uuid.New(),
		key:     key,
		initial: make(chan service.Response, 1),
		updates: make(chan core.FeatureUpdate, 64),
	}
}

func (c *recordingConnection) ID() uuid.UUID { return c.id }

func (c *recordingConnection) Key() core.Key { return c.key }

func (c *recordingConnection) EvaluationContext() core.EvaluationContext {
	return core.EvaluationContext{}
}

func (c *recordingConnection) CachedETags() etag.Holder {
	return etag.Split("", []core.Key{c.key}, core.NoContextTag)
}

func (c *recordingConnection) InitialResponse(response service.Response) { c.initial <- response }

func (c *recordingConnection) NotifyFeature(update core.FeatureUpdate) error {
	select {
	case c.updates <- update:
	default:
	}
	return nil
}

func (c *recordingConnection) Failed(string) { c.Close(false) }

func (c *recordingConnection) Close(bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *recordingConnection) RegisterEjection(func(stream.Connection)) uuid.UUID { return uuid.New() }

func (c *recordingConnection) DeregisterEjection(uuid.UUID) {}

func TestNotificationsReachStreamingConnections(t *testing.T) {
	f := seedEnvironment(t)
	tier := repository.NewPostgresCacheTier(testPool)
	orchestrator := service.New(tier)
	defer orchestrator.Close()

	fanout, err := stream.New(orchestrator)
	if err != nil {
		t.Fatalf("stream.New() error = %v", err)
	}
	defer fanout.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fanout.Consume(ctx, tier); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	conn := newRecordingConnection(f.serverKey)
	fanout.RequestFeatures(conn)
	select {
	case response := <-conn.initial:
		if response.Outcome != service.OutcomeSuccess {
			t.Fatalf("initial outcome = %s, want SUCCESS", response.Outcome)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for initial response")
	}

	// LISTEN starts asynchronously, so keep writing until a notification lands.
	deadline := time.After(15 * time.Second)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		bumpFeature(t, f, "false")
		select {
		case update := <-conn.updates:
			if update.EnvironmentID != f.environmentID {
				t.Fatalf("update environment = %s, want %s", update.EnvironmentID, f.environmentID)
			}
			if len(update.Changes) != 1 || update.Changes[0].Feature.Key != "banner" {
				t.Fatalf("update changes = %+v, want banner", update.Changes)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for feature update")
		case <-tick.C:
		}
	}
}
