package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Brownie44l1/waste-api/internal/handlers"
	"github.com/Brownie44l1/waste-api/internal/metrics"
	"github.com/Brownie44l1/waste-api/internal/model"
	"github.com/Brownie44l1/waste-api/internal/preprocess"
	"github.com/Brownie44l1/waste-api/internal/uploads"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the classification HTTP server",
		Example: `  # Start on the default port 5000
  classifier serve --model models/garbage_classifier.onnx

  # Classify an image against a running server
  curl -X POST -F "image=@bottle.jpg" http://localhost:5000/predict`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}

			store, err := uploads.New(cfg.UploadDir)
			if err != nil {
				return err
			}

			logrus.WithField("model", cfg.ModelPath).Info("loading model")
			modelServer, err := model.NewServer(model.Options{
				ModelPath:    cfg.ModelPath,
				MetadataPath: cfg.MetadataPath,
				LibraryPath:  cfg.ORTLibraryPath,
			})
			if err != nil {
				return err
			}
			defer modelServer.Close()

			filter, err := preprocess.ParseFilter(cfg.Interpolation)
			if err != nil {
				return err
			}

			handler := handlers.NewHandler(modelServer, store, metrics.New(), handlers.Options{
				MaxUploadBytes: cfg.MaxUploadBytes,
				MaxPixels:      cfg.MaxImagePixels,
				Filter:         filter,
			})

			server := &http.Server{
				Addr:              cfg.Addr(),
				Handler:           handler.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				logrus.WithFields(logrus.Fields{
					"addr":    cfg.Addr(),
					"uploads": store.Dir(),
					"classes": modelServer.Metadata().Classes,
				}).Info("server starting")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			select {
			case <-cmd.Context().Done():
				logrus.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logrus.WithError(err).Error("server shutdown failed")
					return err
				}
				logrus.Info("server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "Port to listen on (default 5000)")
	cmd.Flags().StringVar(&opts.uploadDir, "uploads", "", "Directory for staged uploads (default uploads)")

	return cmd
}
