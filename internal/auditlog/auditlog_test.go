package auditlog

import "testing"

func TestRedactMasksSecretKeys(t *testing.T) {
	args := map[string]any{
		"path":     "/tmp/a.txt",
		"api_key":  "sk-super-secret",
		"Password": "hunter2",
		"nested": map[string]any{
			"bearer_token": "abc123",
			"ok":           true,
		},
	}
	got := Redact(args)

	if got["path"] != "/tmp/a.txt" {
		t.Errorf("non-secret key was modified: %v", got["path"])
	}
	if got["api_key"] != redactedPlaceholder {
		t.Errorf("api_key not redacted: %v", got["api_key"])
	}
	if got["Password"] != redactedPlaceholder {
		t.Errorf("Password not redacted: %v", got["Password"])
	}
	nested, ok := got["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested not a map: %T", got["nested"])
	}
	if nested["bearer_token"] != redactedPlaceholder {
		t.Errorf("nested secret not redacted: %v", nested["bearer_token"])
	}
	if nested["ok"] != true {
		t.Errorf("nested non-secret modified: %v", nested["ok"])
	}
}

func TestRedactDoesNotMutateInput(t *testing.T) {
	args := map[string]any{"api_key": "secret"}
	_ = Redact(args)
	if args["api_key"] != "secret" {
		t.Fatal("Redact mutated its input map")
	}
}
