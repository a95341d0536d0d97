package cmd

import (
	"fmt"
	"imgvec/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// secretKeys are masked when settings are printed.
//
//nolint:gochecknoglobals // Immutable lookup table.
var secretKeys = map[string]struct{}{
	"password":          {},
	"access_key_id":     {},
	"secret_access_key": {},
}

func newConfigCmd() *cobra.Command {
	var validate bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration resolved from defaults, the config file and
IMGVEC_* environment variables. Secrets are masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if validate {
				if _, err := config.Load(v); err != nil {
					return err
				}
			}

			settings := maskSecrets(v.AllSettings())
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(settings); err != nil {
				return fmt.Errorf("failed to encode settings: %w", err)
			}
			return enc.Close()
		},
	}

	cmd.Flags().BoolVar(&validate, "validate", false, "fail when the configuration is invalid")
	return cmd
}

// maskSecrets returns a copy of settings with non-empty secret values replaced.
func maskSecrets(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for key, value := range settings {
		switch typed := value.(type) {
		case map[string]any:
			out[key] = maskSecrets(typed)
		default:
			if _, secret := secretKeys[key]; secret && fmt.Sprint(value) != "" {
				out[key] = redacted
				continue
			}
			out[key] = value
		}
	}
	return out
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newConfigCmd())
}
