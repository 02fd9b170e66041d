package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMnemonicLogRedactsSensitiveValues(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))

	phrase := "abandon ability able about above absent absorb abstract absurd abuse access accident"
	logger.Warn("wallet imported",
		MaskField("mnemonic", phrase),
		MaskField("flow", "send"),
		slog.String("reason", "unit test"))

	if IsAllowlisted("mnemonic") {
		t.Fatalf("mnemonic should not be allowlisted for logging: %v", RedactionAllowlist())
	}
	raw := buf.Bytes()
	if bytes.Contains(raw, []byte("abandon")) {
		t.Fatalf("log output leaked mnemonic: %s", raw)
	}
	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("failed to decode log payload: %v", err)
	}
	if entry["mnemonic"] != RedactedValue {
		t.Fatalf("expected redacted mnemonic, got %v", entry["mnemonic"])
	}
	if entry["flow"] != "send" {
		t.Fatalf("expected flow to pass through, got %v", entry["flow"])
	}
}

func TestUserIDsAreFingerprinted(t *testing.T) {
	a := MaskField("user", "telegram:1234")
	b := MaskField("User", "telegram:1234")
	c := MaskField("user", "telegram:9999")
	if a.Value.String() != b.Value.String() {
		t.Fatalf("fingerprint must be stable: %s vs %s", a.Value, b.Value)
	}
	if a.Value.String() == c.Value.String() {
		t.Fatalf("distinct users share a fingerprint")
	}
	if strings.Contains(a.Value.String(), "1234") || !strings.HasPrefix(a.Value.String(), "fp:") {
		t.Fatalf("unexpected fingerprint %s", a.Value)
	}
	if got := MaskField("user", "").Value.String(); got != "" {
		t.Fatalf("empty ids stay empty, got %q", got)
	}
}

func TestSetupWritesRenamedKeysToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowd.log")
	stdout := &bytes.Buffer{}
	logger := Setup("flowd", "test", WithOutput(stdout), WithLevel(slog.LevelDebug), WithFile(FileConfig{Path: path, MaxSizeMB: 1}))
	logger.Debug("hello", slog.String("step", "confirm"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &entry); err != nil {
		t.Fatalf("decode stdout entry: %v", err)
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
	if entry["severity"] != "DEBUG" {
		t.Fatalf("unexpected severity %v", entry["severity"])
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Fatalf("log file missing entry: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
