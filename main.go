package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ericogr/probe-uploader/pkg/cloud"
	"github.com/ericogr/probe-uploader/pkg/config"
	"github.com/ericogr/probe-uploader/pkg/metrics"
	"github.com/ericogr/probe-uploader/pkg/prober"
	"github.com/ericogr/probe-uploader/pkg/queue"
	"github.com/ericogr/probe-uploader/pkg/queue/amqp"
	"github.com/ericogr/probe-uploader/pkg/queue/console"
	"github.com/ericogr/probe-uploader/pkg/queue/local"
	"github.com/ericogr/probe-uploader/pkg/queue/mqtt"
	"github.com/ericogr/probe-uploader/pkg/sensor"
	"github.com/ericogr/probe-uploader/pkg/uploader"
)

const (
	cmdProbe       = "probe"
	cmdUpload      = "upload"
	cmdRun         = "run"
	cmdRead        = "read"
	cmdDeadLetters = "deadletters"

	clientSuffixProber   = "-prober"
	clientSuffixUploader = "-uploader"

	queueDepthPeriod = 5 * time.Second
)

const usage = `usage: probe-uploader <command> [flags]

commands:
  probe                 sample probes and publish readings
  upload                consume readings and push them to the cloud
  run                   probe and upload in one process
  read                  sample every probe once and print the readings
  deadletters [list|requeue]
                        inspect or requeue dead letters of the local queue
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		logrus.WithError(err).Error("exiting")
		os.Exit(1)
	}
}

// command splits the subcommand and its optional action from the flags.
func command(args []string) (cmd, action string, rest []string, err error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", "", nil, errors.New("missing command")
	}
	cmd, rest = args[0], args[1:]
	switch cmd {
	case cmdProbe, cmdUpload, cmdRun, cmdRead:
	case cmdDeadLetters:
		action = "list"
		if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
			action, rest = rest[0], rest[1:]
		}
		if action != "list" && action != "requeue" {
			return "", "", nil, fmt.Errorf("unknown deadletters action %q", action)
		}
	default:
		return "", "", nil, fmt.Errorf("unknown command %q", cmd)
	}
	return cmd, action, rest, nil
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	cmd, action, rest, err := command(args)
	if err != nil {
		fmt.Fprint(os.Stderr, usage)
		return err
	}
	cfg, err := config.Load(rest, getenv)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	switch cmd {
	case cmdRead:
		return runRead(ctx, cfg, log, stdout)
	case cmdDeadLetters:
		return runDeadLetters(cfg, action, log, stdout)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddr, metrics.Router(reg), log) })
	}
	g.Go(func() error {
		switch cmd {
		case cmdProbe:
			return runProbe(ctx, cfg, log, m)
		case cmdUpload:
			return runUpload(ctx, cfg, log, m)
		default:
			return runBoth(ctx, cfg, log, m)
		}
	})
	return g.Wait()
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

func runProbe(ctx context.Context, cfg config.Config, log logrus.FieldLogger, m *metrics.Metrics) error {
	set, err := sensor.Build(cfg)
	if err != nil {
		return err
	}
	defer set.Close()

	pub, err := initPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	r := prober.New(set.Probes(), pub, cfg.Interval(), prober.WithLogger(log), prober.WithMetrics(m))
	return r.Run(ctx)
}

func runUpload(ctx context.Context, cfg config.Config, log logrus.FieldLogger, m *metrics.Metrics) error {
	if err := cfg.ValidateUploader(); err != nil {
		return err
	}
	sub, err := initSubscriber(cfg, log)
	if err != nil {
		return err
	}
	defer sub.Close()

	if q, ok := sub.(*local.Queue); ok {
		go watchQueueDepth(ctx, q, m)
	}
	return newUploader(cfg, log, m).Run(ctx, sub)
}

// runBoth drives the probe runner and the uploader over one queue. A local
// queue file can only be held by one process, so this is how it is used.
func runBoth(ctx context.Context, cfg config.Config, log logrus.FieldLogger, m *metrics.Metrics) error {
	if err := cfg.ValidateUploader(); err != nil {
		return err
	}
	set, err := sensor.Build(cfg)
	if err != nil {
		return err
	}
	defer set.Close()

	var (
		pub queue.Publisher
		sub queue.Subscriber
	)
	if cfg.Queue.Type == config.QueueLocal {
		q, err := openLocal(cfg, log)
		if err != nil {
			return err
		}
		defer q.Close()
		pub, sub = q, q
		go watchQueueDepth(ctx, q, m)
	} else {
		if pub, err = initPublisher(cfg, log); err != nil {
			return err
		}
		defer pub.Close()
		if sub, err = initSubscriber(cfg, log); err != nil {
			return err
		}
		defer sub.Close()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return prober.New(set.Probes(), pub, cfg.Interval(), prober.WithLogger(log), prober.WithMetrics(m)).Run(ctx)
	})
	g.Go(func() error { return newUploader(cfg, log, m).Run(ctx, sub) })
	return g.Wait()
}

// runRead samples every probe once and prints the readings.
func runRead(ctx context.Context, cfg config.Config, log logrus.FieldLogger, stdout io.Writer) error {
	set, err := sensor.Build(cfg)
	if err != nil {
		return err
	}
	defer set.Close()
	return prober.New(set.Probes(), console.NewConsoleWriter(stdout), cfg.Interval(), prober.WithLogger(log)).RunCycle(ctx)
}

func runDeadLetters(cfg config.Config, action string, log logrus.FieldLogger, stdout io.Writer) error {
	switch cfg.Queue.Type {
	case config.QueueLocal:
	case config.QueueMQTT:
		return fmt.Errorf("mqtt dead letters are published under %s/<channel>", cfg.Queue.MQTT.DeadLetterPrefix)
	case config.QueueAMQP:
		return fmt.Errorf("amqp dead letters are kept in queue %s", cfg.Queue.AMQP.DeadLetterQueue)
	default:
		return fmt.Errorf("queue %s has no dead letters", cfg.Queue.Type)
	}

	q, err := openLocal(cfg, log)
	if err != nil {
		return err
	}
	defer q.Close()

	if action == "requeue" {
		n, err := q.RequeueDeadLetters()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "requeued %d message(s)\n", n)
		return nil
	}

	dead, err := q.DeadLetters()
	if err != nil {
		return err
	}
	for _, d := range dead {
		fmt.Fprintf(stdout, "%s channel=%s attempts=%d enqueued=%s reason=%q body=%s\n",
			d.ID, d.Channel, d.Attempts, d.Enqueued.Format(time.RFC3339), d.Reason, d.Body)
	}
	fmt.Fprintf(stdout, "%d dead letter(s)\n", len(dead))
	return nil
}

func newUploader(cfg config.Config, log logrus.FieldLogger, m *metrics.Metrics) *uploader.Uploader {
	client := cloud.New(cfg.Cloud.BaseURL, cfg.Cloud.APIKey, cfg.CloudTimeout(), cloud.WithLogger(log))
	return uploader.New(client, uploader.Options{
		FeedID:     cfg.Cloud.FeedID,
		Tags:       cfg.Cloud.Tags,
		Channels:   cfg.Channels,
		MaxRetries: cfg.Queue.MaxRetries,
		Timeout:    cfg.CloudTimeout(),
		Logger:     log,
		Metrics:    m,
	})
}

func openLocal(cfg config.Config, log logrus.FieldLogger) (*local.Queue, error) {
	return local.Open(local.Options{
		Path:       cfg.Queue.Local.Path,
		Durable:    cfg.Queue.Durable,
		Prefetch:   cfg.Queue.Prefetch,
		Capacity:   cfg.Queue.Local.Capacity,
		RetryDelay: cfg.RetryDelay(),
		Logger:     log,
	})
}

func mqttOptions(cfg config.Config, suffix string, log logrus.FieldLogger) mqtt.Options {
	return mqtt.Options{
		Config:     *cfg.Queue.MQTT,
		ClientID:   cfg.Queue.MQTT.ClientID + suffix,
		Durable:    cfg.Queue.Durable,
		RetryDelay: cfg.RetryDelay(),
		Channels:   cfg.Probes,
		Logger:     log,
	}
}

func amqpOptions(cfg config.Config, log logrus.FieldLogger) amqp.Options {
	return amqp.Options{
		Config:     *cfg.Queue.AMQP,
		Durable:    cfg.Queue.Durable,
		Prefetch:   cfg.Queue.Prefetch,
		RetryDelay: cfg.RetryDelay(),
		Logger:     log,
	}
}

func initPublisher(cfg config.Config, log logrus.FieldLogger) (queue.Publisher, error) {
	switch cfg.Queue.Type {
	case config.QueueConsole:
		return console.NewConsole(), nil
	case config.QueueMQTT:
		return mqtt.NewPublisher(mqttOptions(cfg, clientSuffixProber, log))
	case config.QueueAMQP:
		return amqp.NewPublisher(amqpOptions(cfg, log))
	case config.QueueLocal:
		return openLocal(cfg, log)
	}
	return nil, fmt.Errorf("unsupported queue type: %s", cfg.Queue.Type)
}

func initSubscriber(cfg config.Config, log logrus.FieldLogger) (queue.Subscriber, error) {
	switch cfg.Queue.Type {
	case config.QueueMQTT:
		return mqtt.NewSubscriber(mqttOptions(cfg, clientSuffixUploader, log))
	case config.QueueAMQP:
		return amqp.NewSubscriber(amqpOptions(cfg, log))
	case config.QueueLocal:
		return openLocal(cfg, log)
	}
	return nil, fmt.Errorf("queue type %s cannot be consumed", cfg.Queue.Type)
}

func watchQueueDepth(ctx context.Context, q *local.Queue, m *metrics.Metrics) {
	t := time.NewTicker(queueDepthPeriod)
	defer t.Stop()
	for {
		if n, err := q.Len(); err == nil {
			dead, _ := q.DeadLetters()
			m.SetQueueDepth(n, len(dead))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
