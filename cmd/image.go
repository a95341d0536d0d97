package cmd

import (
	"errors"
	"fmt"
	"imgvec/internal/domain/valueobject"

	"github.com/spf13/cobra"
)

func newImageCmd() *cobra.Command {
	var (
		url    string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "image <id>",
		Short: "Compute and store the feature vector of one image",
		Long: `Compute and store the feature vector of one image.

Without --url the image url is looked up in the catalog. An image that already
has a vector is reported as skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := valueobject.NewImageID(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := newApplication(ctx, cfg, appOptions{dryRun: dryRun})
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.service.ProcessImage(ctx, id, url)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "image url (default: looked up in the catalog)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the vector without writing it")
	return cmd
}

func newImagesCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "images <id>...",
		Short: "Compute and store the feature vectors of the listed catalog images",
		Long: `Compute and store the feature vectors of the listed catalog images, one
at a time. Images that already have a vector are counted as skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseImageIDs(args)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := stopOnSignal(cmd.Context())
			defer stop()

			app, err := newApplication(ctx, cfg, appOptions{dryRun: dryRun})
			if err != nil {
				return err
			}
			defer app.Close()

			summary, err := app.service.ProcessImages(ctx, ids)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute vectors without writing them")
	return cmd
}

func parseImageIDs(args []string) ([]valueobject.ImageID, error) {
	ids := make([]valueobject.ImageID, 0, len(args))
	for i, raw := range args {
		id, err := valueobject.NewImageID(raw)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "health",
		Short:        "Check that the catalog and the vector store are reachable",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := newApplication(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			status := app.service.Health(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			if !status.Healthy {
				return errors.New("unhealthy: " + status.Error)
			}
			return nil
		},
	}
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newImageCmd())
	rootCmd.AddCommand(newImagesCmd())
	rootCmd.AddCommand(newHealthCmd())
}
