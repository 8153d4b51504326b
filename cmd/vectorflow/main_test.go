package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"vectorflow/internal/api"
	"vectorflow/internal/job"
	"vectorflow/internal/preflight"
	"vectorflow/internal/stages"
	"vectorflow/internal/testsupport"
)

var queuedPattern = regexp.MustCompile(`Queued (\S+) `)

func TestIngestWaitThenSearch(t *testing.T) {
	env := setupCLITestEnv(t)
	doc := testsupport.WriteDocument(t, filepath.Join(env.baseDir, "docs", "lease.txt"), testsupport.Sentences(3))

	out, _, err := runCLI(t, env.configPath, "ingest", doc, "--wait", "--priority", "high", "--tag", "lease")
	if err != nil {
		t.Fatalf("ingest: %v\n%s", err, out)
	}
	requireContains(t, out, "Queued ")
	requireContains(t, out, "succeeded")
	requireContains(t, out, "1 records")

	out, _, err = runCLI(t, env.configPath, "search", "binds", "the", "parties", "--json")
	if err != nil {
		t.Fatalf("search: %v\n%s", err, out)
	}
	var data stages.SearchData
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatalf("decode search output: %v\n%s", err, out)
	}
	if len(data.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(data.Matches))
	}
	if data.Matches[0].DocumentID == "" || data.Matches[0].Score < 0.99 {
		t.Fatalf("unexpected match %+v", data.Matches[0])
	}

	out, _, err = runCLI(t, env.configPath, "search", "parties")
	if err != nil {
		t.Fatalf("search table: %v", err)
	}
	requireContains(t, out, "Score")
	requireContains(t, out, "Clause")
}

func TestShowHistoryAndRetry(t *testing.T) {
	env := setupCLITestEnv(t)
	doc := testsupport.WriteDocument(t, filepath.Join(env.baseDir, "docs", "nda.txt"), testsupport.Sentences(2))

	out, _, err := runCLI(t, env.configPath, "ingest", doc, "--wait")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	match := queuedPattern.FindStringSubmatch(out)
	if match == nil {
		t.Fatalf("no job id in %q", out)
	}
	id := match[1]

	out, _, err = runCLI(t, env.configPath, "show", id)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	requireContains(t, out, "Job "+id)
	requireContains(t, out, "succeeded")
	requireContains(t, out, "persist")

	out, _, err = runCLI(t, env.configPath, "history", "--state", "succeeded", "--json")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var jobs []*job.Job
	if err := json.Unmarshal([]byte(out), &jobs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("unexpected history %+v", jobs)
	}

	if _, _, err := runCLI(t, env.configPath, "history", "--state", "running"); err == nil {
		t.Fatal("expected non-terminal state filter to be rejected")
	}
	if _, _, err := runCLI(t, env.configPath, "retry", id); err == nil {
		t.Fatal("expected retry of a succeeded job to fail")
	}
	if _, _, err := runCLI(t, env.configPath, "cancel", "missing"); err == nil {
		t.Fatal("expected cancel of an unknown job to fail")
	}
}

func TestStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "running (pid")
	requireContains(t, out, "queued/urgent")
	requireContains(t, out, "embed")

	out, _, err = runCLI(t, env.configPath, "status", "--json")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var status api.StatusResponse
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running || status.PID != os.Getpid() {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestDoctorCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "doctor", "--json")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	var results []preflight.Result
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode doctor output: %v", err)
	}
	if len(results) == 0 || results[0].Name != "Data directory" || !results[0].Passed {
		t.Fatalf("unexpected results %+v", results)
	}
	if preflight.Failed(results) {
		t.Fatalf("expected required checks to pass: %+v", results)
	}
}

func TestCommandsExplainUnreachableDaemon(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, env.configPath, "--api", "127.0.0.1:1", "status")
	if err == nil {
		t.Fatal("expected status against a closed port to fail")
	}
	requireContains(t, err.Error(), "vectorflow serve")
}

func TestConfigInitValidateShow(t *testing.T) {
	env := setupCLITestEnv(t)

	target := filepath.Join(t.TempDir(), "sample.toml")
	out, _, err := runCLI(t, "", "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, _, err := runCLI(t, "", "config", "init", "--path", target); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected existing file to be refused, got %v", err)
	}

	out, _, err = runCLI(t, env.configPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, env.configPath)

	out, _, err = runCLI(t, env.configPath, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "[compute]")
	requireContains(t, out, env.apiAddr)
}

func TestClientAddress(t *testing.T) {
	cases := map[string]string{
		"0.0.0.0:7590":   "127.0.0.1:7590",
		":7590":          "127.0.0.1:7590",
		"[::]:7590":      "127.0.0.1:7590",
		"10.0.0.5:8080":  "10.0.0.5:8080",
		"localhost:7590": "localhost:7590",
		"":               "",
	}
	for in, want := range cases {
		if got := clientAddress(in); got != want {
			t.Fatalf("clientAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEventsForOneJob(t *testing.T) {
	env := setupCLITestEnv(t)
	doc := testsupport.WriteDocument(t, filepath.Join(env.baseDir, "docs", "a.txt"), testsupport.Sentences(1))

	out, _, err := runCLI(t, env.configPath, "ingest", doc, "--wait")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	id := queuedPattern.FindStringSubmatch(out)[1]

	out, _, err = runCLI(t, env.configPath, "events", "--job", id, "--lines", "0")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	requireContains(t, out, "job_queued")
	requireContains(t, out, "stage=persist")
	requireContains(t, out, "job_succeeded")

	out, _, err = runCLI(t, env.configPath, "events", "--job", "unknown")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	requireContains(t, out, "No events")
}

func TestLogsPrintsTrailingLines(t *testing.T) {
	env := setupCLITestEnv(t)
	path := filepath.Join(env.dataDir, "vectorflow.log")
	if err := os.WriteFile(path, []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, env.configPath, "logs", "-n", "2")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "second\nthird\n" {
		t.Fatalf("unexpected logs output %q", out)
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "--api", "127.0.0.1:1", "stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "not running")
}
