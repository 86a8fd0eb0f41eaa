package main

import "testing"

func TestRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"up", "build", "run", "logs", "stop", "status", "doctor", "bootstrap", "version"}
	for _, name := range want {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}
