package postgres

import (
	"strings"
	"testing"
	"time"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{"verbatim", ClientConfig{DSN: "postgres://u:p@h/db", Host: "ignored"}, "postgres://u:p@h/db"},
		{"defaults", ClientConfig{User: "bot", Password: "pw", Host: "db", Database: "updown"}, "postgres://bot:pw@db:5432/updown?sslmode=disable"},
		{"explicit", ClientConfig{User: "bot", Password: "pw", Host: "db", Port: 6543, Database: "postgres", SSLMode: "require"}, "postgres://bot:pw@db:6543/postgres?sslmode=require"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationFiles()
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(names) == 0 || names[0] != "001_init.sql" {
		t.Fatalf("migrations = %v", names)
	}
	data, err := migrationsFS.ReadFile("migrations/" + names[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, table := range []string{"orders", "audit_log", "windows"} {
		if !strings.Contains(string(data), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("migration does not create %s", table)
		}
	}
}

func TestNullTime(t *testing.T) {
	if nullTime(time.Time{}) != nil {
		t.Error("zero time should be NULL")
	}
	now := time.Now()
	if got := nullTime(now); got == nil || !got.Equal(now) {
		t.Errorf("nullTime = %v", got)
	}
}
