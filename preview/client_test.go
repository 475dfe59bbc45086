package preview

import (
	"context"
	"testing"

	"drydock/types"
)

func disabledClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(types.PreviewConfig{
		Enabled:     false,
		BaseDomain:  "preview.example.com",
		Environment: "staging",
	}, "203.0.113.10")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestCreateRecordDisabled(t *testing.T) {
	client := disabledClient(t)

	preview, err := client.CreateRecord(context.Background(), "client")
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	if preview.Domain != "client-staging.preview.example.com" {
		t.Errorf("unexpected domain: %s", preview.Domain)
	}
	if preview.DNSRecord.RecordID != "" {
		t.Error("disabled client should not carry a DNS record ID")
	}

	got, exists := client.GetRecord("client")
	if !exists {
		t.Fatal("record should be tracked after creation")
	}
	if got.Domain != preview.Domain {
		t.Errorf("tracked domain mismatch: %s", got.Domain)
	}
}

func TestDeleteRecordDisabled(t *testing.T) {
	client := disabledClient(t)

	if _, err := client.CreateRecord(context.Background(), "connect"); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if err := client.DeleteRecord(context.Background(), "connect"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}

	if _, exists := client.GetRecord("connect"); exists {
		t.Error("record should be gone after deletion")
	}
}

func TestDeleteRecordUnknownService(t *testing.T) {
	client := disabledClient(t)
	if err := client.DeleteRecord(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestGetAllRecords(t *testing.T) {
	client := disabledClient(t)

	for _, svc := range []string{"client", "connect"} {
		if _, err := client.CreateRecord(context.Background(), svc); err != nil {
			t.Fatalf("CreateRecord(%s) failed: %v", svc, err)
		}
	}

	if got := len(client.GetAllRecords()); got != 2 {
		t.Errorf("expected 2 records, got %d", got)
	}
}

func TestPreviewNameWithoutEnvironment(t *testing.T) {
	client, err := NewClient(types.PreviewConfig{BaseDomain: "preview.example.com"}, "203.0.113.10")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	preview, err := client.CreateRecord(context.Background(), "client")
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if preview.Domain != "client.preview.example.com" {
		t.Errorf("unexpected domain: %s", preview.Domain)
	}
}

func TestSanitizeForDNS(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"client-staging", "client-staging"},
		{"My Service", "my-service"},
		{"svc_under.score", "svc-under-score"},
		{"--edge--", "edge"},
		{"UPPER", "upper"},
		{"***", "env"},
	}

	for _, tt := range tests {
		if got := sanitizeForDNS(tt.input); got != tt.expected {
			t.Errorf("sanitizeForDNS(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
