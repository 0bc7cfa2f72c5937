package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/dispatchwatch/internal/config"
	"github.com/ppiankov/dispatchwatch/internal/policy"
)

var (
	initMode  string
	initDir   string
	initForce bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.dispatchwatch) or system (/etc/dispatchwatch)")
	initCmd.Flags().StringVar(&initDir, "dir", "", "Write into this directory instead of the --mode location")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write default config.yaml and policy.yaml",
	Long: `Creates a state directory holding the runtime config, a commented
policy and the approvals queue. Every path in the generated config points
inside that directory.

User mode (default):  ~/.dispatchwatch/
System mode:          /etc/dispatchwatch/ (requires root)`,
	RunE: runInit,
}

// initFile is one file init-config lays down.
type initFile struct {
	name    string
	content string
	perm    os.FileMode
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := initTarget()
	if err != nil {
		return err
	}
	files, err := initFiles(dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		status := "kept"
		if wrote {
			status = "wrote"
		}
		fmt.Fprintf(out, "  %-6s %s\n", status, path)
	}
	if err := os.MkdirAll(filepath.Join(dir, "approvals"), 0o700); err != nil {
		return fmt.Errorf("create approvals directory: %w", err)
	}

	run := "dispatchwatch run"
	if dir != defaultUserDir() {
		run += " --config " + filepath.Join(dir, "config.yaml")
	}
	fmt.Fprintf(out, "\nNext: dispatchwatch doctor, then %s\n", run)
	return nil
}

// initTarget resolves --dir, then --mode.
func initTarget() (string, error) {
	if initDir != "" {
		return filepath.Abs(initDir)
	}
	switch initMode {
	case "system":
		return "/etc/dispatchwatch", nil
	case "user", "":
		if d := defaultUserDir(); d != "" {
			return d, nil
		}
		return "", fmt.Errorf("cannot determine home directory")
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

func defaultUserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dispatchwatch")
}

// initFiles renders the config and policy for dir. The config may carry a
// postgres DSN, so it is written owner-only.
func initFiles(dir string) ([]initFile, error) {
	cfg, err := defaultConfigYAML(dir)
	if err != nil {
		return nil, fmt.Errorf("generate default config: %w", err)
	}
	return []initFile{
		{name: "config.yaml", content: cfg, perm: 0o600},
		{name: "policy.yaml", content: policy.DefaultConfigYAML(), perm: 0o644},
	}, nil
}

// writeIfMissing reports whether it wrote path. Existing files are kept
// unless --force is set.
func writeIfMissing(path, content string, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil && !initForce {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// defaultConfigYAML renders config.Default with every state path under dir.
func defaultConfigYAML(dir string) (string, error) {
	cfg := config.Default()
	cfg.PolicyPath = filepath.Join(dir, "policy.yaml")
	cfg.ApprovalsDir = filepath.Join(dir, "approvals")
	cfg.Audit.Path = filepath.Join(dir, "audit.jsonl")
	if cfg.Audit.SQLitePath != "" {
		cfg.Audit.SQLitePath = filepath.Join(dir, filepath.Base(cfg.Audit.SQLitePath))
	}

	var b strings.Builder
	b.WriteString(`# dispatchwatch runtime configuration.
# Every key is optional; omitted keys keep their defaults.
# DISPATCHWATCH_* environment variables override this file.
#
# store.driver: memory or postgres (set store.dsn)
# dedup.backend: memory or redis (set dedup.redis_addr)

`)
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return b.String(), nil
}
