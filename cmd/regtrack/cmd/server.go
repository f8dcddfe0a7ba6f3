package cmd

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/pkg/log"
	"github.com/YuminosukeSato/regtrack/tracking"
	"github.com/YuminosukeSato/regtrack/tracking/server"
)

var serverDescription = "run a tracking server speaking the MLflow REST API."

var serverCmd = &cobra.Command{
	Use:          "server [flags]",
	Short:        serverDescription,
	Long:         serverDescription,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	flags := serverCmd.Flags()
	flags.String("backend-store-uri", tracking.DefaultTrackingURI, "store for experiments and runs (path, file:, sqlite:, postgresql:)")
	flags.String("default-artifact-root", "", "artifact root for new experiments; defaults to the artifact proxy")
	flags.String("artifacts-destination", "./mlartifacts", "where proxied artifacts are stored (path or s3://)")
	flags.Bool("no-serve-artifacts", false, "disable the artifact proxy")
	flags.String("host", "127.0.0.1", "listen address")
	flags.Int("port", 5000, "listen port")
	flags.Bool("metrics", true, "expose Prometheus metrics on /metrics")
	flags.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")

	for _, name := range []string{
		"backend-store-uri", "default-artifact-root", "artifacts-destination",
		"no-serve-artifacts", "host", "port", "metrics", "shutdown-timeout",
	} {
		if err := viper.BindPFlag("server."+name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	rootCmd.AddCommand(serverCmd)
}

func runServer(ctx context.Context) error {
	logger := log.GetLoggerWithName("server")
	serveArtifacts := !viper.GetBool("server.no-serve-artifacts")

	root := viper.GetString("server.default-artifact-root")
	if root == "" && serveArtifacts {
		root = server.ProxyArtifactRoot
	}
	var storeOpts []tracking.StoreOption
	if root != "" {
		storeOpts = append(storeOpts, tracking.WithDefaultArtifactRoot(root))
	}

	uri := viper.GetString("server.backend-store-uri")
	store, err := tracking.OpenStore(ctx, uri, storeOpts...)
	if err != nil {
		return errors.Wrap(err, "open backend store")
	}
	defer store.Close()

	cfg := server.Config{
		Verbose: viper.GetString(keyLogLevel) == "debug",
		Metrics: viper.GetBool("server.metrics"),
	}
	if serveArtifacts {
		cfg.ArtifactsDestination = viper.GetString("server.artifacts-destination")
	}
	srv, err := server.New(store, cfg)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(viper.GetString("server.host"), strconv.Itoa(viper.GetInt("server.port")))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	logger.Info("starting tracking server", log.TrackingURIKey, uri,
		"artifacts_destination", cfg.ArtifactsDestination, "default_artifact_root", root)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), viper.GetDuration("server.shutdown-timeout"))
	defer cancel()
	logger.Info("shutting down tracking server")
	if err := srv.Stop(stopCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return <-errc
}
