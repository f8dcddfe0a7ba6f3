// Package cmd implements the regtrack command line.
package cmd

import (
	"context"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/YuminosukeSato/regtrack/pipeline"
	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
	"github.com/YuminosukeSato/regtrack/tracking"
	_ "github.com/YuminosukeSato/regtrack/tracking/filestore"
	_ "github.com/YuminosukeSato/regtrack/tracking/reststore"
	_ "github.com/YuminosukeSato/regtrack/tracking/sqlstore"
)

// Configuration keys.
const (
	keyConfig      = "config"
	keyTrackingURI = "tracking_uri"
	keyLogLevel    = "log_level"
	keyLogFormat   = "log_format"
	keyPipeline    = "pipeline"

	envPrefix = "REGTRACK"
)

var rootDescription = "train a linear regression on synthetic data and track it as an MLflow run."

var rootCmd = &cobra.Command{
	Use:           "regtrack",
	Short:         rootDescription,
	Long:          rootDescription + "\n\nThe tracking backend comes from MLFLOW_TRACKING_URI, REGTRACK_TRACKING_URI or the config file.",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String(keyConfig, "", "config file (yaml); defaults to $REGTRACK_CONFIG")
	flags.String("tracking-uri", "", "tracking URI; defaults to $MLFLOW_TRACKING_URI or "+tracking.DefaultTrackingURI)
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "console", "log format: console or json")

	bind := map[string]string{
		keyConfig:      keyConfig,
		keyTrackingURI: "tracking-uri",
		keyLogLevel:    "log-level",
		keyLogFormat:   "log-format",
	}
	for key, flag := range bind {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	if err := viper.BindEnv(keyTrackingURI, envPrefix+"_TRACKING_URI", "MLFLOW_TRACKING_URI"); err != nil {
		panic(err)
	}

	def := pipeline.DefaultConfig()
	viper.SetDefault(keyPipeline+".n_samples", def.NSamples)
	viper.SetDefault(keyPipeline+".n_features", def.NFeatures)
	viper.SetDefault(keyPipeline+".noise", def.Noise)
	viper.SetDefault(keyPipeline+".seed", def.Seed)
	viper.SetDefault(keyPipeline+".test_size", def.TestSize)
	viper.SetDefault(keyPipeline+".split_seed", def.SplitSeed)
	viper.SetDefault(keyPipeline+".experiment_name", def.ExperimentName)
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// initConfig loads .env, the environment and the optional config file.
func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "load .env")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if file := viper.GetString(keyConfig); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", file)
		}
	}
	return setupLogging()
}

func setupLogging() error {
	switch viper.GetString(keyLogFormat) {
	case "json":
		return log.SetupLoggerTo(os.Stderr, viper.GetString(keyLogLevel))
	case "console", "":
		level, err := log.ToLogLevel(viper.GetString(keyLogLevel))
		if err != nil {
			return err
		}
		log.SetLogger(log.NewZerologLogger(os.Stderr, log.Level(level), true))
		log.InstallZerologWarnings(os.Stderr)
		return nil
	}
	return errors.Newf("unknown log format %q", viper.GetString(keyLogFormat))
}

func trackingURI() string {
	if uri := viper.GetString(keyTrackingURI); uri != "" {
		return uri
	}
	return tracking.DefaultTrackingURI
}

func newClient(ctx context.Context) (*tracking.Client, error) {
	uri := trackingURI()
	client, err := tracking.NewClient(ctx, uri, tracking.WithLogger(log.GetLoggerWithName("tracking")))
	if err != nil {
		return nil, errors.Wrap(err, "connect to tracking backend")
	}
	return client, nil
}

func pipelineConfig() (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	if err := viper.UnmarshalKey(keyPipeline, &cfg); err != nil {
		return cfg, errors.Wrap(err, "decode pipeline config")
	}
	return cfg, nil
}

func runPipeline(ctx context.Context) error {
	cfg, err := pipelineConfig()
	if err != nil {
		return err
	}
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	// 結果はログ（pipeline finished）と追跡ストアにのみ残す
	_, err = pipeline.Run(ctx, client, cfg, log.GetLoggerWithName("pipeline"))
	return err
}
