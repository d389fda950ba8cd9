package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/eventpipe/pkg/domain"
	eventnats "github.com/yairfalse/eventpipe/pkg/integrations/nats"
)

var (
	readMax    int
	readWait   time.Duration
	readExport string
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Print messages stored on the stream",
	Long: `Read replays the stream from the beginning and prints each message with
its partition, sequence number, offset and enqueued time. It does not move
any consumer position.`,
	Example: `  # Print the first 10 messages
  eventpipe read

  # Export 1000 messages to parquet
  eventpipe read --max 1000 --export events.parquet`,
	Args: cobra.NoArgs,
	RunE: runRead,
}

func init() {
	readCmd.Flags().IntVar(&readMax, "max", 10, "Maximum number of messages to read")
	readCmd.Flags().DurationVar(&readWait, "wait", 5*time.Second, "How long to wait for messages")
	readCmd.Flags().StringVar(&readExport, "export", "", "Also write messages to a .parquet or .jsonl file")
}

func runRead(cmd *cobra.Command, args []string) error {
	if readMax <= 0 {
		return fmt.Errorf("--max must be positive")
	}
	if readExport != "" {
		if _, err := exportFormatFor(readExport); err != nil {
			return err
		}
	}

	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := eventnats.Connect(cfg.Stream, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	js, err := eventnats.NewJetStream(nc)
	if err != nil {
		return err
	}
	reader, err := eventnats.NewReader(js, cfg.Stream, logger)
	if err != nil {
		return err
	}

	events, err := reader.Read(ctx, readMax, readWait)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printEvents(out, events)
	if readExport != "" {
		if err := exportEvents(readExport, events); err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported %d messages to %s\n", len(events), readExport)
	}
	return nil
}

func printEvents(out io.Writer, events []domain.StreamEvent) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No messages found")
		return
	}
	for _, ev := range events {
		fmt.Fprintf(out, "Partition: %s  Sequence: %d  Offset: %d  Enqueued: %s\n",
			ev.Partition, ev.SequenceNumber, ev.Offset, enqueuedString(ev))
		fmt.Fprintf(out, "  %s\n", ev.Body)
	}
	fmt.Fprintf(out, "\n%d messages\n", len(events))
}

func enqueuedString(ev domain.StreamEvent) string {
	if ev.EnqueuedTime.IsZero() {
		return "-"
	}
	return domain.FormatTimestamp(ev.EnqueuedTime)
}
