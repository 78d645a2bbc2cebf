package cmd

import (
	"fmt"

	"mcpgate/internal/memory"
	"mcpgate/internal/registry"
)

// openRegistry opens the registry at its default path (~/.mcp-manager/backends.json).
// Shared by every subcommand that reads or writes registered backends outside
// of a running gateway process.
func openRegistry() (*registry.Registry, error) {
	path, err := registry.DefaultPath()
	if err != nil {
		return nil, fmt.Errorf("resolving registry path: %w", err)
	}
	return registry.New(path), nil
}

// openMemory opens the conversational memory store at its default path.
func openMemory() (*memory.Store, error) {
	path, err := memory.DefaultPath()
	if err != nil {
		return nil, fmt.Errorf("resolving memory store path: %w", err)
	}
	return memory.New(path), nil
}
