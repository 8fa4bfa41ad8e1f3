package cli

import (
	"github.com/Brownie44l1/waste-api/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	port       string
	modelPath  string
	metadata   string
	uploadDir  string
	libPath    string
	logLevel   string
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootOptions{})
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classifier",
		Short: "Waste image classification service",
		Long: `Classifier serves a pre-trained six-class waste model over HTTP.

Upload a photo to POST /predict and it answers with one of cardboard, glass,
metal, paper, plastic or trash, plus the model's confidence.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&opts.modelPath, "model", "", "Path to the ONNX model")
	flags.StringVar(&opts.metadata, "metadata", "", "Path to the model metadata JSON")
	flags.StringVar(&opts.libPath, "onnxruntime-lib", "", "Path to the ONNX Runtime shared library")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newPredictCmd(opts))

	return cmd
}

// load resolves the config file and environment, then applies any flags the
// user set explicitly.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = o.port
	}
	if flags.Changed("model") {
		cfg.ModelPath = o.modelPath
	}
	if flags.Changed("metadata") {
		cfg.MetadataPath = o.metadata
	}
	if flags.Changed("uploads") {
		cfg.UploadDir = o.uploadDir
	}
	if flags.Changed("onnxruntime-lib") {
		cfg.ORTLibraryPath = o.libPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
