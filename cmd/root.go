// Package cmd provides the command-line interface of the imgvec pipeline.
package cmd

import (
	"errors"
	"fmt"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/config"
	"imgvec/internal/version"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key read from the environment.
const EnvPrefix = "IMGVEC"

//nolint:gochecknoglobals // Standard Cobra CLI state.
var (
	cfgFile string
	envFile string
	v       = viper.New()
	cfg     *config.Config
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imgvec",
		Short: "Bulk image feature vector ingestion",
		Long: `imgvec reads image records from a catalog table, downloads each image,
extracts a fixed-length feature vector and stores it in a vector table.

Runs can process the catalog in sequential chunks with batched download,
extraction and persistence, or as independent per-image tasks with bounded
parallelism. Images that already have a stored vector are skipped unless a
forced reprocess is requested.`,
		Version: version.Get().Version,
	}
	cmd.SetVersionTemplate(version.Get().String())
	return cmd
}

//nolint:gochecknoglobals // Standard Cobra CLI root command.
var rootCmd = newRootCmd()

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./configs/config.yaml)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment before configuration")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, text)")

	if err := v.BindPFlag("log.level", flags.Lookup("log-level")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding log-level flag: %v\n", err)
	}
	if err := v.BindPFlag("log.format", flags.Lookup("log-format")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding log-format flag: %v\n", err)
	}
}

func initConfig() {
	if err := loadEnvFile(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading env file: %v\n", err)
	}

	if err := configureViper(v, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}

	if err := slogger.Configure(v.GetString("log.level"), v.GetString("log.format")); err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
	}
}

// loadEnvFile exports the variables of a dotenv file. Variables already set
// in the environment win; a missing file is ignored.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// configureViper registers defaults, the config file and the environment on v.
func configureViper(v *viper.Viper, file string) error {
	config.SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}
	return nil
}

// loadConfig decodes and validates the configuration once.
func loadConfig() (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	loaded, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	cfg = loaded
	return cfg, nil
}
