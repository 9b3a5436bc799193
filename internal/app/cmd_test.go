package app

import (
	"testing"
)

func TestParseCommand_DefaultsToServe(t *testing.T) {
	cmd, err := ParseCommand([]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd != CommandServe {
		t.Errorf("ParseCommand([]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_KnownCommands(t *testing.T) {
	tests := []struct {
		arg  string
		want Command
	}{
		{"serve", CommandServe},
		{"worker", CommandWorker},
		{"migrate", CommandMigrate},
		{"reset", CommandReset},
		{"healthcheck", CommandHealthcheck},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := ParseCommand([]string{tt.arg, "--ignored"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand(%q) = %q, want %q", tt.arg, got, tt.want)
			}
		})
	}
}

func TestParseCommand_UnknownCommand(t *testing.T) {
	if _, err := ParseCommand([]string{"seed"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
