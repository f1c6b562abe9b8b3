package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/KafClaw/agentcore/internal/config"
	"github.com/KafClaw/agentcore/internal/identity"
)

var (
	configShowYAML  bool
	configInitForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return writeConfig(cmd.OutOrStdout(), redactConfig(cfg), configShowYAML)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file and workspace prompt files",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		cfg := config.DefaultConfig()
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)

		// Load expands the ~ paths of the saved defaults.
		if cfg, err = config.Load(); err != nil {
			return err
		}
		res, err := identity.ScaffoldWorkspace(cfg.Paths.Workspace, configInitForce)
		if err != nil {
			return err
		}
		for _, name := range res.Created {
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", filepath.Join(cfg.Paths.Workspace, name))
		}
		for _, e := range res.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "Scaffold error: %s\n", e)
		}
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowYAML, "yaml", false, "Print as YAML")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configShowCmd, configPathCmd, configInitCmd)
}

func writeConfig(out io.Writer, cfg *config.Config, asYAML bool) error {
	if asYAML {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-2:]
}

// redactConfig returns a copy of cfg with keys and tokens masked.
func redactConfig(cfg *config.Config) *config.Config {
	c := *cfg
	for _, p := range []*config.ProviderConfig{
		&c.Providers.Anthropic, &c.Providers.OpenAI, &c.Providers.Compat,
		&c.Providers.Ollama, &c.Providers.Gemini, &c.Providers.Gollm,
	} {
		p.APIKey = mask(p.APIKey)
	}
	c.Gateway.AuthToken = mask(c.Gateway.AuthToken)
	c.Relay.Kafka.Security.Password = mask(c.Relay.Kafka.Security.Password)
	return &c
}
