package natsq

import (
	"strings"
	"testing"

	"github.com/noctua-obs/noctua/internal/events"
)

func TestSubjectFor(t *testing.T) {
	cases := []struct {
		prefix string
		typ    events.Type
		want   string
	}{
		{"noctua.events", events.TypeRunSettled, "noctua.events.run_settled"},
		{"obs.north", events.TypeNightStart, "obs.north.night_start"},
	}
	for _, tc := range cases {
		if got := subjectFor(tc.prefix, tc.typ); got != tc.want {
			t.Fatalf("subjectFor(%q, %q) = %q, want %q", tc.prefix, tc.typ, got, tc.want)
		}
	}
}

func TestNewFailsFastWithoutServer(t *testing.T) {
	_, err := New("nats://127.0.0.1:1", Config{})
	if err == nil {
		t.Fatalf("expected connect failure")
	}
	if !strings.Contains(err.Error(), "nats connect") {
		t.Fatalf("unexpected error: %v", err)
	}
}
