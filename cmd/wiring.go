package cmd

import (
	"github.com/grovetools/daas/cli"
	"github.com/grovetools/daas/command"
	"github.com/grovetools/daas/config"
	"github.com/grovetools/daas/internal/blob"
	"github.com/grovetools/daas/internal/client"
	"github.com/grovetools/daas/internal/coordinator"
	"github.com/grovetools/daas/internal/store"
	"github.com/grovetools/daas/internal/tools"
	"github.com/grovetools/daas/pkg/paths"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// buildCoordinator wires the shared store, the configured tools and the
// blob backend into a coordinator for this instance.
func buildCoordinator(cfg *config.Config, logger *logrus.Entry) (*coordinator.Coordinator, error) {
	st, err := store.NewFileStore(cfg.Storage.Root, logger.WithField("subsystem", "store"))
	if err != nil {
		return nil, err
	}
	reg, err := tools.FromConfig(cfg, command.NewSafeBuilder(), logger.WithField("subsystem", "tools"))
	if err != nil {
		return nil, err
	}
	coord := coordinator.New(st, reg, coordinator.OptionsFromConfig(cfg), logger.WithField("subsystem", "coordinator"))
	if cfg.Storage.BlobSasURI != "" {
		coord.WithBlobDeleter(blob.NewSASDeleter(cfg.Storage.BlobSasURI, nil, logger.WithField("subsystem", "blob")))
	}
	return coord, nil
}

func socketPath(opts cli.CommandOptions) string {
	if opts.Socket != "" {
		return opts.Socket
	}
	return paths.SocketPath()
}

// newClient returns a client talking to the local runner when it is up, and
// to the shared store directly otherwise.
func newClient(cmd *cobra.Command) (client.Client, error) {
	opts := cli.GetOptions(cmd)
	logger := cli.GetLogger(cmd)
	return client.New(socketPath(opts), func() (*client.LocalClient, error) {
		cfg, err := cli.LoadConfig(opts)
		if err != nil {
			return nil, err
		}
		coord, err := buildCoordinator(cfg, logger)
		if err != nil {
			return nil, err
		}
		logger.Debug("Runner not reachable, using the shared store directly")
		return client.NewLocalClient(coord), nil
	})
}
