package cmd

import (
	"bytes"
	"strings"
	"testing"

	"mcpgate/internal/registry"
)

func TestRunList_NoBackendsRegistered(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	var buf bytes.Buffer
	listCmd.SetOut(&buf)
	if err := runList(listCmd, nil); err != nil {
		t.Fatalf("runList returned error: %v", err)
	}

	if !strings.Contains(buf.String(), "No backends registered") {
		t.Errorf("expected empty-registry message, got %q", buf.String())
	}
}

func TestRunList_RendersRegisteredBackends(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	reg, err := openRegistry()
	if err != nil {
		t.Fatalf("openRegistry: %v", err)
	}
	reg.Add("github", registry.BackendConfig{Command: "github-mcp-server", Description: "GitHub tools"})
	if err := reg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var buf bytes.Buffer
	listCmd.SetOut(&buf)
	if err := runList(listCmd, nil); err != nil {
		t.Fatalf("runList returned error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "github") || !strings.Contains(out, "github-mcp-server") {
		t.Errorf("expected output to mention the registered backend, got %q", out)
	}
}
