package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	devHost     string
	devPort     int
	devStoreDir string
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run a local JetStream-enabled NATS server",
	Example: `  # Start a server on the default port, then in another shell
  eventpipe dev
  eventpipe produce --count 50
  eventpipe read`,
	Args: cobra.NoArgs,
	RunE: runDev,
}

func init() {
	devCmd.Flags().StringVar(&devHost, "host", "127.0.0.1", "Listen host")
	devCmd.Flags().IntVar(&devPort, "port", 4222, "Listen port (-1 picks a free port)")
	devCmd.Flags().StringVar(&devStoreDir, "store-dir", "", "JetStream storage directory (default: a temporary directory)")
}

func runDev(cmd *cobra.Command, args []string) error {
	_, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync()

	storeDir := devStoreDir
	if storeDir == "" {
		dir, err := os.MkdirTemp("", "eventpipe-jetstream-")
		if err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
		defer os.RemoveAll(dir)
		storeDir = dir
	}

	ns, err := startDevServer(devHost, devPort, storeDir)
	if err != nil {
		return err
	}
	defer ns.Shutdown()

	logger.Info("NATS server ready",
		zap.String("url", ns.ClientURL()),
		zap.String("store_dir", storeDir))
	fmt.Fprintf(cmd.OutOrStdout(), "export EVENTPIPE_STREAM_URL=%s\n", ns.ClientURL())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("Shutting down NATS server")
	return nil
}

func startDevServer(host string, port int, storeDir string) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Host:      host,
		Port:      port,
		JetStream: true,
		StoreDir:  storeDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready")
	}
	return ns, nil
}
