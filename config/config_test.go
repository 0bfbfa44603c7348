package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.APIAddr != ":8080" || c.JobStore != "redis" || c.SQLitePath != "data/ledger.db" {
		t.Errorf("unexpected defaults %+v", c)
	}
	if c.GraceDelay != 30*time.Second || c.Lease != 2*time.Minute || c.JobRetention != 24*time.Hour {
		t.Errorf("unexpected durations grace=%v lease=%v retention=%v", c.GraceDelay, c.Lease, c.JobRetention)
	}
	if c.OracleURL != "http://localhost:9001" || c.OraclePath != "/stock/v1/current" || c.OracleTimeout != 5*time.Second {
		t.Errorf("unexpected oracle config %s%s %v", c.OracleURL, c.OraclePath, c.OracleTimeout)
	}
	if len(c.CORSOrigins) != 1 || c.CORSOrigins[0] != "*" {
		t.Errorf("unexpected CORS origins %v", c.CORSOrigins)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JOB_STORE", "Memory")
	t.Setenv("GRACE_DELAY_MS", "1500")
	t.Setenv("DISPATCH_PARALLELISM", "8")
	t.Setenv("PRICE_ORACLE_URL", "http://oracle:9001/")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("SEED_USERS", "abc:1000:tok,xyz:0.5")

	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.JobStore != "memory" || c.GraceDelay != 1500*time.Millisecond || c.DispatchParallelism != 8 {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.OracleURL != "http://oracle:9001" {
		t.Errorf("expected trailing slash trimmed, got %q", c.OracleURL)
	}
	if len(c.CORSOrigins) != 2 || c.CORSOrigins[1] != "http://b.test" {
		t.Errorf("unexpected CORS origins %v", c.CORSOrigins)
	}
	if len(c.SeedUsers) != 2 || c.SeedUsers[0].Token != "tok" || !c.SeedUsers[1].Balance.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("unexpected seed users %+v", c.SeedUsers)
	}
}

func TestLoad_DotEnvFileEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("API_ADDR=:7000\nHISTORY_LIMIT=5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HISTORY_LIMIT", "9")
	// godotenv sets API_ADDR in the process env; clear it when the test ends.
	t.Cleanup(func() { os.Unsetenv("API_ADDR") })

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.APIAddr != ":7000" {
		t.Errorf("expected API_ADDR from file, got %q", c.APIAddr)
	}
	if c.HistoryLimit != 9 {
		t.Errorf("expected env to win over file, got %d", c.HistoryLimit)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("POLL_INTERVAL_MS", "soon")
	t.Setenv("PRICE_ORACLE_RPS", "fast")
	t.Setenv("JOB_STORE", "etcd")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err == nil {
		t.Fatal("expected load error")
	}
	for _, want := range []string{"POLL_INTERVAL_MS", "PRICE_ORACLE_RPS", "JOB_STORE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestParseSeedUsers(t *testing.T) {
	tests := []struct {
		in      string
		n       int
		wantErr bool
	}{
		{"", 0, false},
		{"abc:100", 1, false},
		{"abc:100:tok, def:1", 2, false},
		{"abc", 0, true},
		{"abc:lots", 0, true},
		{"abc:-5", 0, true},
		{":5", 0, true},
	}
	for _, tt := range tests {
		users, err := ParseSeedUsers(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSeedUsers(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if len(users) != tt.n {
			t.Errorf("ParseSeedUsers(%q) = %d users, want %d", tt.in, len(users), tt.n)
		}
	}
}
