package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "analyticsd.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != ":8000" || c.Server.BasePath != "/api/v1" {
		t.Fatalf("unexpected server defaults: %+v", c.Server)
	}
	if c.Jobs.ShutdownGrace != 10*time.Second || c.Jobs.Retention != time.Hour || c.Jobs.CleanupInterval != time.Minute {
		t.Fatalf("unexpected jobs defaults: %+v", c.Jobs)
	}
	if c.Health.Timeout != 2*time.Second {
		t.Fatalf("unexpected health timeout: %v", c.Health.Timeout)
	}
	if c.History.Retention != 30*24*time.Hour || !c.History.Store {
		t.Fatalf("unexpected history defaults: %+v", c.History)
	}
	if !c.Metrics.Enabled || c.Metrics.Listen != "" {
		t.Fatalf("unexpected metrics defaults: %+v", c.Metrics)
	}
	if c.Version != "1.0.0" || c.ShutdownTimeout != 30*time.Second {
		t.Fatalf("unexpected top-level defaults: %q %v", c.Version, c.ShutdownTimeout)
	}
	if len(c.Dependencies) != 0 {
		t.Fatalf("expected no dependencies, got %+v", c.Dependencies)
	}
}

func TestLoad_Full(t *testing.T) {
	file := writeTOML(t, `
version = "2.1.0"
shutdown_timeout = "45s"

[server]
listen = "127.0.0.1:9000"
base_path = "/v2"

[metrics]
listen = ":8001"

[log]
level = "debug"
format = "json"

[[dependencies]]
name = "database"
kind = "store"
dsn = "postgres://u:p@db:5432/analytics?sslmode=disable"
ping_timeout = "500ms"
max_open_conns = 8

[[dependencies]]
name = "redis"
kind = "cache"
dsn = "redis://cache:6379/0"

[[dependencies]]
name = "warehouse"
kind = "warehouse"
dsn = "clickhouse://default:@ch:9000/default"

[jobs]
retention = "2h"
shutdown_grace = "3s"
max_concurrent = 4

[[schedules]]
name = "model-retraining"
schedule = "@every 12h"
immediate = false

[[schedules]]
name = "metrics-collection"
disabled = true
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Version != "2.1.0" || c.ShutdownTimeout != 45*time.Second {
		t.Fatalf("unexpected top-level: %q %v", c.Version, c.ShutdownTimeout)
	}
	if c.Server.Listen != "127.0.0.1:9000" || c.Server.BasePath != "/v2" || c.Metrics.Listen != ":8001" {
		t.Fatalf("unexpected listeners: %+v %+v", c.Server, c.Metrics)
	}
	if c.Log.Level != "debug" || c.Log.Format != "json" {
		t.Fatalf("unexpected log: %+v", c.Log)
	}
	if len(c.Dependencies) != 3 {
		t.Fatalf("expected 3 dependencies, got %d", len(c.Dependencies))
	}
	db := c.Dependencies[0]
	if db.Name != "database" || db.Kind != KindStore || db.PingTimeout != 500*time.Millisecond || db.MaxOpenConns != 8 {
		t.Fatalf("unexpected store dependency: %+v", db)
	}
	if !db.IsRequired() || !c.Dependencies[1].IsRequired() || c.Dependencies[2].IsRequired() {
		t.Fatalf("store and cache default to required, warehouse to optional")
	}
	if c.Jobs.Retention != 2*time.Hour || c.Jobs.ShutdownGrace != 3*time.Second || c.Jobs.MaxConcurrent != 4 {
		t.Fatalf("unexpected jobs: %+v", c.Jobs)
	}
	if c.Jobs.CleanupInterval != time.Minute {
		t.Fatalf("unset keys keep their default, got %v", c.Jobs.CleanupInterval)
	}
	s, ok := c.ScheduleFor("model-retraining")
	if !ok || s.Schedule != "@every 12h" || s.Immediate == nil || *s.Immediate {
		t.Fatalf("unexpected schedule override: %+v", s)
	}
	if s, ok := c.ScheduleFor("metrics-collection"); !ok || !s.Disabled {
		t.Fatalf("expected disabled metrics-collection: %+v", s)
	}
	if _, ok := c.ScheduleFor("missing"); ok {
		t.Fatalf("unexpected override for missing job")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ANALYTICSD_SERVER_LISTEN", ":7777")
	t.Setenv("ANALYTICSD_JOBS_SHUTDOWN_GRACE", "1s")
	t.Setenv("ANALYTICSD_JOBS_MAX_CONCURRENT", "2")
	t.Setenv("ANALYTICSD_DATABASE_URL", "sqlite:///tmp/analytics.db")
	t.Setenv("ANALYTICSD_REDIS_URL", "redis://localhost:6379/0")

	c, err := Load(writeTOML(t, "[server]\nlisten = \":8000\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != ":7777" {
		t.Fatalf("env should override file, got %q", c.Server.Listen)
	}
	if c.Jobs.ShutdownGrace != time.Second || c.Jobs.MaxConcurrent != 2 {
		t.Fatalf("unexpected jobs: %+v", c.Jobs)
	}
	if len(c.Dependencies) != 2 || c.Dependencies[0].Name != "database" || c.Dependencies[1].Kind != KindCache {
		t.Fatalf("shorthand URLs should become dependencies: %+v", c.Dependencies)
	}
}

func TestLoad_EnvFileAndExpansion(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("# secrets\nANALYTICSD_TEST_DB_PASS=s3cret\nANALYTICSD_TEST_PRESET=file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("ANALYTICSD_TEST_PRESET", "os")
	t.Cleanup(func() { _ = os.Unsetenv("ANALYTICSD_TEST_DB_PASS") })

	file := writeTOML(t, `
env_files = ["`+filepath.ToSlash(dotenv)+`"]

[[dependencies]]
name = "database"
kind = "STORE"
dsn = "postgres://app:${ANALYTICSD_TEST_DB_PASS}@db/analytics"
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.Dependencies[0].DSN; got != "postgres://app:s3cret@db/analytics" {
		t.Fatalf("unexpected dsn %q", got)
	}
	if c.Dependencies[0].Kind != KindStore {
		t.Fatalf("kind should be normalized, got %q", c.Dependencies[0].Kind)
	}
	if os.Getenv("ANALYTICSD_TEST_PRESET") != "os" {
		t.Fatalf("env files must not override existing variables")
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"missing file":       "",
		"bad toml":           "[server\nlisten=",
		"unknown kind":       "[[dependencies]]\nname=\"x\"\nkind=\"queue\"\ndsn=\"amqp://\"\n",
		"missing dsn":        "[[dependencies]]\nname=\"x\"\nkind=\"cache\"\n",
		"missing dep name":   "[[dependencies]]\nkind=\"cache\"\ndsn=\"redis://x\"\n",
		"duplicate dep":      "[[dependencies]]\nname=\"x\"\nkind=\"cache\"\ndsn=\"redis://a\"\n[[dependencies]]\nname=\"x\"\nkind=\"cache\"\ndsn=\"redis://b\"\n",
		"two stores":         "[[dependencies]]\nname=\"a\"\nkind=\"store\"\ndsn=\"a.db\"\n[[dependencies]]\nname=\"b\"\nkind=\"store\"\ndsn=\"b.db\"\n",
		"bad schedule":       "[[schedules]]\nname=\"x\"\nschedule=\"0 * * * *\"\n",
		"duplicate schedule": "[[schedules]]\nname=\"x\"\n[[schedules]]\nname=\"x\"\n",
		"zero grace":         "[jobs]\nshutdown_grace=\"0s\"\n",
		"negative workers":   "[jobs]\nmax_concurrent=-1\n",
		"zero health":        "[health]\ntimeout=\"0s\"\n",
		"bad log level":      "[log]\nlevel=\"chatty\"\n",
		"empty listen":       "[server]\nlisten=\"\"\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "does-not-exist.toml")
			if data != "" {
				path = writeTOML(t, data)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoad_ErrorIsDescriptive(t *testing.T) {
	_, err := Load(writeTOML(t, "[[dependencies]]\nname=\"db\"\nkind=\"store\"\n"))
	if err == nil || !strings.Contains(err.Error(), "dependency db requires dsn") {
		t.Fatalf("unexpected error: %v", err)
	}
}
