package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "duet-relay dev") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestUsersCommandsAgainstSQLite(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "users.db")
	t.Setenv("DUET_DIRECTORY_DRIVER", "sqlite")
	t.Setenv("DUET_DIRECTORY_DSN", dsn)

	run := func(args ...string) string {
		t.Helper()
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(args)
		if err := root.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out.String()
	}

	if got := run("users", "migrate"); !strings.Contains(got, "users table ready") {
		t.Fatalf("unexpected migrate output %q", got)
	}
	if got := run("users", "add", "alice", "bob"); !strings.Contains(got, "added bob") {
		t.Fatalf("unexpected add output %q", got)
	}
	if got := run("users", "add", "alice"); !strings.Contains(got, "alice already exists") {
		t.Fatalf("expected duplicate notice, got %q", got)
	}
}

func TestUsersCommandsNeedSQLDriver(t *testing.T) {
	t.Setenv("DUET_DIRECTORY_DRIVER", "memory")
	root := newRootCmd()
	root.SetArgs([]string{"users", "migrate"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for memory directory")
	}
}
