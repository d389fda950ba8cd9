package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yairfalse/eventpipe/pkg/domain"
	eventnats "github.com/yairfalse/eventpipe/pkg/integrations/nats"
	"github.com/yairfalse/eventpipe/pkg/metrics"
	"github.com/yairfalse/eventpipe/pkg/producer"
	"github.com/yairfalse/eventpipe/pkg/resilience"
)

var (
	produceCount        int
	produceDevices      int
	producePartitionKey string
	produceAsync        bool
	produceRate         float64
	produceRetries      int
)

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Send sample device events to the stream",
	Example: `  # Send 100 events from 5 devices
  eventpipe produce --count 100 --devices 5

  # Keep all events on one partition
  eventpipe produce --partition-key device-001

  # Throttle to 20 events per second
  eventpipe produce --count 200 --rate 20`,
	Args: cobra.NoArgs,
	RunE: runProduce,
}

func init() {
	produceCmd.Flags().IntVarP(&produceCount, "count", "n", 10, "Number of events to send")
	produceCmd.Flags().IntVar(&produceDevices, "devices", 3, "Number of sample devices")
	produceCmd.Flags().StringVar(&producePartitionKey, "partition-key", "", "Partition key (default: round robin)")
	produceCmd.Flags().BoolVar(&produceAsync, "async", false, "Use a fresh connection per send")
	produceCmd.Flags().Float64Var(&produceRate, "rate", 0, "Events per second (0 means unthrottled)")
	produceCmd.Flags().IntVar(&produceRetries, "retries", -1, "Retries per send on delivery failure (default from config)")
}

type produceOptions struct {
	Count        int
	Devices      int
	PartitionKey string
	Async        bool
	Rate         float64
	Retries      int
	RetryDelay   time.Duration
}

type produceResult struct {
	Sent     int
	Rejected int
	Batches  int
}

func runProduce(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := produceOptions{
		Count:        produceCount,
		Devices:      produceDevices,
		PartitionKey: cfg.Producer.PartitionKey,
		Async:        produceAsync,
		Rate:         produceRate,
		Retries:      cfg.Producer.Retries,
		RetryDelay:   cfg.Producer.RetryDelay,
	}
	if cmd.Flags().Changed("partition-key") {
		opts.PartitionKey = producePartitionKey
	}
	if produceRetries >= 0 {
		opts.Retries = produceRetries
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	dialer := &eventnats.Dialer{Config: cfg.Stream, Logger: logger}

	res, err := produce(ctx, opts, dialer, collector, logger)
	printProduceSummary(cmd.OutOrStdout(), res, collector.Summary())
	return err
}

// produce sends opts.Count sample events in chunks. With a rate the chunks
// are one second's worth of events each.
func produce(ctx context.Context, opts produceOptions, connector producer.Connector, collector *metrics.Collector, logger *zap.Logger) (produceResult, error) {
	var res produceResult
	if opts.Count <= 0 {
		return res, fmt.Errorf("count must be positive")
	}
	if opts.Devices <= 0 {
		opts.Devices = 1
	}

	send, closeFn, err := newSender(ctx, opts.Async, opts.PartitionKey, connector, collector, logger)
	if err != nil {
		return res, err
	}
	defer closeFn()

	chunkSize := opts.Count
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		chunkSize = int(opts.Rate)
		if chunkSize < 1 {
			chunkSize = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), chunkSize)
	}

	retryer := resilience.NewRetryer(resilience.RetryConfig{
		MaxRetries:   opts.Retries,
		InitialDelay: opts.RetryDelay,
		Logger:       logger,
	})

	devices := producer.SampleDeviceIDs(opts.Devices)
	for start := 0; start < opts.Count; start += chunkSize {
		end := start + chunkSize
		if end > opts.Count {
			end = opts.Count
		}
		events := make([]domain.Event, 0, end-start)
		for i := start; i < end; i++ {
			events = append(events, producer.CreateSampleEvent(devices[i%len(devices)]))
		}

		if limiter != nil {
			if err := limiter.WaitN(ctx, len(events)); err != nil {
				return res, err
			}
		}

		// Events keep their ids across attempts; the stream drops the
		// copies already stored within its duplicate window.
		var report *producer.SendReport
		err := retryer.Execute(ctx, func() error {
			var err error
			report, err = send(ctx, events)
			return err
		})
		if report != nil {
			res.Sent += report.Sent
			res.Batches += report.Batches
			res.Rejected += len(report.Rejected())
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

type sendFunc func(ctx context.Context, events []domain.Event) (*producer.SendReport, error)

func newSender(ctx context.Context, async bool, partitionKey string, connector producer.Connector, collector *metrics.Collector, logger *zap.Logger) (sendFunc, func(), error) {
	if async {
		p, err := producer.NewAsyncEventProducer(connector, logger, producer.WithMetrics(collector))
		if err != nil {
			return nil, nil, err
		}
		send := func(ctx context.Context, events []domain.Event) (*producer.SendReport, error) {
			return p.SendEvents(ctx, events, partitionKey)
		}
		return send, func() { p.Close() }, nil
	}

	transport, err := connector.Connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	p, err := producer.NewEventProducer(transport, logger, producer.WithMetrics(collector))
	if err != nil {
		transport.Close()
		return nil, nil, err
	}
	send := func(ctx context.Context, events []domain.Event) (*producer.SendReport, error) {
		return p.SendEventsSync(ctx, events, partitionKey)
	}
	return send, func() { p.Close() }, nil
}

func printProduceSummary(out io.Writer, res produceResult, s metrics.Summary) {
	fmt.Fprintf(out, "Sent %d events in %d batches", res.Sent, res.Batches)
	if res.Rejected > 0 {
		fmt.Fprintf(out, " (%d rejected)", res.Rejected)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  events_sent:        %d\n", s.EventsSent)
	fmt.Fprintf(out, "  events_failed:      %d\n", s.EventsFailed)
	fmt.Fprintf(out, "  average_latency_ms: %.2f\n", s.AverageLatencyMs)
}
