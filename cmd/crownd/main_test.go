package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	for _, sub := range []string{"run", "sim", "collect", "config", "addr"} {
		if !strings.Contains(out.String(), sub) {
			t.Fatalf("help does not mention %q:\n%s", sub, out.String())
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errb bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errb); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errb.String(), "bogus") {
		t.Fatalf("error should name the command: %q", errb.String())
	}
}

func TestConfigInitAndAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crown.yaml")
	var out, errb bytes.Buffer
	if code := run([]string{"config", "init", "--config", path}, &out, &errb); code != 0 {
		t.Fatalf("config init failed: %s", errb.String())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	errb.Reset()
	if code := run([]string{"config", "init", "--config", path}, &out, &errb); code != 1 {
		t.Fatalf("overwrite without --force should fail")
	}
	if code := run([]string{"config", "init", "--config", path, "--force"}, &out, &errb); code != 0 {
		t.Fatalf("forced overwrite failed: %s", errb.String())
	}

	t.Setenv("CROWN_ADDR", "02:de:ad:be:ef:01")
	out.Reset()
	if code := run([]string{"addr", "--config", path}, &out, &errb); code != 0 {
		t.Fatalf("addr failed: %s", errb.String())
	}
	if got := strings.TrimSpace(out.String()); got != "02:de:ad:be:ef:01" {
		t.Fatalf("addr printed %q", got)
	}
}

func TestRunRejectsBadBootstrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	var out, errb bytes.Buffer
	code := run([]string{"run", "--config", path, "--bootstrap", "rot13"}, &out, &errb)
	if code != 1 || !strings.Contains(errb.String(), "unknown scheme") {
		t.Fatalf("code=%d stderr=%q", code, errb.String())
	}
}

func TestSimJSON(t *testing.T) {
	var out, errb bytes.Buffer
	args := []string{"sim", "--nodes", "3", "--dup", "0.2", "--election-timeout", "100ms", "--timeout", "10s", "--json", "--log-level", "error"}
	if code := run(args, &out, &errb); code != 0 {
		t.Fatalf("sim failed: %s\n%s", errb.String(), out.String())
	}
	var res simJSON
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("sim output: %v\n%s", err, out.String())
	}
	if !res.Connected || res.Joined != 2 || len(res.Followers) != 2 {
		t.Fatalf("unexpected sim result %+v", res)
	}
	for _, f := range res.Followers {
		if f.Stage != "connected" {
			t.Fatalf("follower %s at %s", f.Addr, f.Stage)
		}
	}
}

func TestJoinsListsLatestPerPeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "joins.jsonl")
	lines := `{"type":"peerJoined","crown":"02:00:00:00:00:01","peer":"02:00:00:00:00:03","netCheck":"x","at":"2024-01-01T00:00:00Z"}
{"type":"peerJoined","crown":"02:00:00:00:00:01","peer":"02:00:00:00:00:02","netCheck":"old","at":"2024-01-01T00:00:00Z"}
{"type":"peerJoined","crown":"02:00:00:00:00:01","peer":"02:00:00:00:00:02","netCheck":"new","at":"2024-01-02T00:00:00Z"}
`
	if err := os.WriteFile(path, []byte(lines), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out, errb bytes.Buffer
	if code := run([]string{"joins", "--store", path}, &out, &errb); code != 0 {
		t.Fatalf("joins failed: %s", errb.String())
	}
	got := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(got) != 2 || !strings.HasPrefix(got[0], "02:00:00:00:00:02") || !strings.Contains(got[0], `net_check="new"`) {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
	if code := run([]string{"joins"}, &out, &errb); code != 1 {
		t.Fatalf("joins without --store should fail")
	}
}
