package dispatch_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	dispatchmigrations "github.com/goliatone/go-dispatch/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool { return false }
func (c testPersistenceConfig) GetDriver() string { return c.driver }
func (c testPersistenceConfig) GetServer() string { return c.server }
func (c testPersistenceConfig) GetPingTimeout() time.Duration { return time.Second }
func (c testPersistenceConfig) GetOtelIdentifier() string { return "go-dispatch-root-tests" }

func newMigratedClient(t *testing.T) *persistence.Client {
	t.Helper()

	dsn := fmt.Sprintf("file:dispatch-root-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(testPersistenceConfig{driver: "sqlite3", server: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if err := dispatchmigrations.Apply(context.Background(), client, dispatchmigrations.DialectSQLite); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return client
}
