package loggingutil

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{parts: nil, want: ""},
		{parts: []string{"locks", "", "client"}, want: "locks.client"},
		{parts: []string{".loopback.", " authority "}, want: "loopback.authority"},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q)=%q want %q", tc.parts, got, tc.want)
		}
	}
}

func TestEnsureLoggerNeverNil(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("expected a logger for nil input")
	}
	if WithSubsystem(nil, "locks.manager") == nil {
		t.Fatal("expected a logger from WithSubsystem(nil, ...)")
	}
}
