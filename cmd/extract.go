package cmd

import (
	"errors"
	"fmt"
	"imgvec/internal/adapter/outbound/extractor"
	"imgvec/internal/adapter/outbound/fetcher"
	"math"
	"path/filepath"

	"github.com/spf13/cobra"
)

// extractResult is printed by the extract command.
type extractResult struct {
	Source       string    `json:"source"`
	Bytes        int       `json:"bytes"`
	Dimension    int       `json:"dimension"`
	ModelVersion string    `json:"model_version"`
	Norm         float64   `json:"norm"`
	Vector       []float64 `json:"vector,omitempty"`
}

func newExtractCmd() *cobra.Command {
	var (
		file       string
		url        string
		showVector bool
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Download one image and print its feature vector",
		Long: `Download one image and run it through the configured feature extractor
without touching the catalog or the vector store.`,
		Example: `  imgvec extract --file ./testdata/cat.jpg --vector
  imgvec extract --url s3://images/2024/0001.png`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := extractSource(file, url)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fetch, err := fetcher.New(cfg.Download, cfg.S3)
			if err != nil {
				return err
			}
			ext, err := extractor.New(cfg.Extractor)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			data, err := fetch.Fetch(ctx, source)
			if err != nil {
				return fmt.Errorf("download failed: %w", err)
			}
			vector, err := ext.ExtractOne(ctx, data)
			if err != nil {
				return fmt.Errorf("extraction failed: %w", err)
			}

			result := extractResult{
				Source:       source,
				Bytes:        len(data),
				Dimension:    len(vector),
				ModelVersion: ext.ModelVersion(),
				Norm:         norm(vector),
			}
			if showVector {
				result.Vector = vector
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "local image file")
	cmd.Flags().StringVar(&url, "url", "", "image url (http, https, s3 or file)")
	cmd.Flags().BoolVar(&showVector, "vector", false, "include the vector in the output")
	cmd.MarkFlagsMutuallyExclusive("file", "url")
	return cmd
}

func extractSource(file, url string) (string, error) {
	switch {
	case file != "":
		abs, err := filepath.Abs(file)
		if err != nil {
			return "", err
		}
		return "file://" + abs, nil
	case url != "":
		return url, nil
	default:
		return "", errors.New("one of --file or --url is required")
	}
}

func norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newExtractCmd())
}
