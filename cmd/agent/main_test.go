package main

import (
	"testing"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		kind    string
		payload string
		ok      bool
	}{
		{"", "", "", false},
		{"   ", "", "", false},
		{"ping", "ping", "", true},
		{`add-paragraph {"text":"hi"}`, "add-paragraph", `{"text":"hi"}`, true},
		{"say hello world", "say", `{"text":"hello world"}`, true},
	}
	for _, tt := range tests {
		kind, payload, ok := parseLine(tt.line)
		if kind != tt.kind || string(payload) != tt.payload || ok != tt.ok {
			t.Errorf("parseLine(%q) = %q, %s, %v", tt.line, kind, payload, ok)
		}
	}
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-u", "alice", "--code", "ABC123", "--max-attempts", "3"})
	if err != nil {
		t.Fatal(err)
	}
	if o.userID != "alice" || o.code != "ABC123" || o.maxAttempts != 3 {
		t.Fatalf("options = %+v", o)
	}

	bad := [][]string{
		{"--room", "r1"},
		{"-u", "alice"},
		{"-u", "alice", "-r", "r1", "-c", "ABC123"},
		{"-u", "alice", "-r", "r1", "--user-data", "{"},
	}
	for _, args := range bad {
		if _, err := parseFlags(args); err == nil {
			t.Errorf("parseFlags(%v) = nil error", args)
		}
	}
}
