package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsFingerprintsDisallowedIDs(t *testing.T) {
	args := SanitizeArgs(
		"peer_id", "mesh1_peer_123",
		"correlation_id", "corr_123",
		"role", "hub",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "peer_id_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[4]; got != "role" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestSanitizingHandlerRedactsSensitiveAndIDs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))
	logger.Info("test", "peer_id", "mesh1_peer", "pairing_token", "secret", "status", "ok")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["peer_id"]; ok {
		t.Fatal("peer_id should not be present")
	}
	if _, ok := payload["peer_id_fp"]; !ok {
		t.Fatal("peer_id_fp should be present")
	}
	if got, _ := payload["pairing_token"].(string); got != redactedValue {
		t.Fatalf("expected redacted token, got %q", got)
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("network_id", "n1"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "network_id_fp") {
		t.Fatalf("expected sanitized network_id key, got %s", buf.String())
	}
}
