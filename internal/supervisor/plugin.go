package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
)

const pluginPackageJSON = `{"type":"module"}` + "\n"

// installPluginAssets copies the plugin script into <workspace>/.opencode/tool/
// and, if a global modules directory exists, symlinks it in as
// .opencode/node_modules, so the agent resolves plugin imports without
// performing a package install at startup.
func installPluginAssets(workspaceDir, pluginSourcePath, globalModulesDir string) error {
	if pluginSourcePath == "" {
		return nil
	}

	opencodeDir := filepath.Join(workspaceDir, ".opencode")
	toolDir := filepath.Join(opencodeDir, "tool")
	if err := os.MkdirAll(toolDir, 0o755); err != nil {
		return fmt.Errorf("supervisor: mkdir %s: %w", toolDir, err)
	}

	data, err := os.ReadFile(pluginSourcePath)
	if err != nil {
		return fmt.Errorf("supervisor: read plugin source %s: %w", pluginSourcePath, err)
	}

	dest := filepath.Join(toolDir, filepath.Base(pluginSourcePath))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("supervisor: write plugin asset %s: %w", dest, err)
	}

	packageJSON := filepath.Join(opencodeDir, "package.json")
	if _, err := os.Stat(packageJSON); os.IsNotExist(err) {
		if err := os.WriteFile(packageJSON, []byte(pluginPackageJSON), 0o644); err != nil {
			return fmt.Errorf("supervisor: write %s: %w", packageJSON, err)
		}
	}

	if globalModulesDir != "" {
		if _, err := os.Stat(globalModulesDir); err == nil {
			nodeModules := filepath.Join(opencodeDir, "node_modules")
			if _, err := os.Lstat(nodeModules); os.IsNotExist(err) {
				if err := os.Symlink(globalModulesDir, nodeModules); err != nil {
					return fmt.Errorf("supervisor: symlink node_modules: %w", err)
				}
			}
		}
	}

	return nil
}
