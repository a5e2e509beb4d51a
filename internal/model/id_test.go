package model

import "testing"

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypeTask, IDTypeEpic, IDTypeRun} {
		t.Run(string(idType), func(t *testing.T) {
			id, err := GenerateID(idType)
			if err != nil {
				t.Fatalf("GenerateID(%s) returned error: %v", idType, err)
			}
			if !ValidateID(id) {
				t.Errorf("generated ID %q does not match regex", id)
			}
		})
	}
}

func TestGenerateID_InvalidType(t *testing.T) {
	if _, err := GenerateID("task"); err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestGenerateID_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateID(IDTypeTask)
		if err != nil {
			t.Fatalf("GenerateID returned error: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("f-a1b2c3"); got != "a1b2c3" {
		t.Errorf("ShortID: got %q, want a1b2c3", got)
	}
	if got := ShortID("run-00ff00"); got != "00ff00" {
		t.Errorf("ShortID: got %q, want 00ff00", got)
	}
	if got := ShortID("not-an-id"); got != "not-an-id" {
		t.Errorf("ShortID passthrough: got %q", got)
	}
}
