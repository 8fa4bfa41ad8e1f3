package cli

import (
	"fmt"
	"time"

	"github.com/Brownie44l1/waste-api/internal/model"
	"github.com/Brownie44l1/waste-api/internal/preprocess"
	"github.com/spf13/cobra"
)

func newPredictCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "predict <image>...",
		Short: "Classify local image files without starting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			filter, err := preprocess.ParseFilter(cfg.Interpolation)
			if err != nil {
				return err
			}

			modelServer, err := model.NewServer(model.Options{
				ModelPath:    cfg.ModelPath,
				MetadataPath: cfg.MetadataPath,
				LibraryPath:  cfg.ORTLibraryPath,
			})
			if err != nil {
				return err
			}
			defer modelServer.Close()

			meta := modelServer.Metadata()
			out := cmd.OutOrStdout()

			for _, path := range args {
				img, err := preprocess.Load(path, cfg.MaxImagePixels)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				input, err := preprocess.ToTensor(img, meta.ImageSize, preprocess.Layout(meta.Layout), filter)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}

				start := time.Now()
				result, err := modelServer.Predict(cmd.Context(), input)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(out, "%s\t%s\t%.4f\t(%s)\n", path, result.Label, result.Confidence, time.Since(start).Round(time.Millisecond))
			}
			return nil
		},
	}
}
