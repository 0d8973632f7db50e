package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/david/opportunity-sync/internal/models"
)

func TestTriggerURL(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		mode    string
		confirm bool
		want    string
		wantErr bool
	}{
		{"incremental", "http://localhost:8081", "incremental", false, "http://localhost:8081/api/v1/sync/incremental", false},
		{"trailing slash", "http://localhost:8081/", "backfill", false, "http://localhost:8081/api/v1/sync/backfill", false},
		{"confirmed full", "https://sync.example.com", "full", true, "https://sync.example.com/api/v1/sync/full?confirm=true", false},
		{"unconfirmed full", "http://localhost:8081", "full", false, "", true},
		{"unknown mode", "http://localhost:8081", "delta", false, "", true},
		{"bad scheme", "ftp://localhost", "incremental", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := triggerURL(tt.addr, tt.mode, tt.confirm)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestHashSecretCommand(t *testing.T) {
	var out bytes.Buffer
	hashSecretCmd.SetOut(&out)
	hashSecretCmd.SetIn(strings.NewReader("from-stdin\n"))
	if err := hashSecretCmd.RunE(hashSecretCmd, nil); err != nil {
		t.Fatalf("hash-secret: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("from-stdin")); err != nil {
		t.Fatalf("expected hash of stdin secret, got %q: %v", hash, err)
	}
}

func TestPrintRuns(t *testing.T) {
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	done := started.Add(90 * time.Second)
	runs := []models.SyncRun{
		{ID: "0123456789abcdef", Mode: models.ModeIncremental, Status: models.RunCompleted, StartedAt: started, CompletedAt: &done,
			Counts: models.RunCounts{Pages: 2, Found: 10, Inserted: 4}},
		{ID: "run-2", Mode: models.ModeFull, Status: models.RunReauthRequired, StartedAt: started, Error: "token rejected"},
	}

	var out bytes.Buffer
	printRuns(&out, runs)
	text := out.String()
	for _, want := range []string{"01234567", "incremental", "1m30s", "Running...", "error: token rejected"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}
