package drydock

import (
	"reflect"
	"testing"
)

func TestFlattenEnvSorted(t *testing.T) {
	got := FlattenEnv(map[string]string{
		"CHAT_ID":        "42",
		"TELEGRAM_TOKEN": "secret",
		"DOCKERIZED":     "1",
	})
	want := []string{"CHAT_ID=42", "DOCKERIZED=1", "TELEGRAM_TOKEN=secret"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FlattenEnv = %v, want %v", got, want)
	}
}

func TestFlattenEnvEmpty(t *testing.T) {
	if got := FlattenEnv(nil); got != nil {
		t.Fatalf("FlattenEnv(nil) = %v", got)
	}
}

func TestMergeLabelsKeepsExisting(t *testing.T) {
	base := map[string]string{"spellhunter.managed": "true"}
	got := MergeLabels(base, map[string]string{
		"spellhunter.managed": "false",
		"extra":               "yes",
	})
	if got["spellhunter.managed"] != "true" {
		t.Fatalf("existing label clobbered: %v", got)
	}
	if got["extra"] != "yes" {
		t.Fatalf("extra label missing: %v", got)
	}
	if len(base) != 1 {
		t.Fatalf("base mutated: %v", base)
	}
}
