package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/crmstack/mailsched/cmd/mailsched_server/config"
	"github.com/crmstack/mailsched/internal/core"
	"github.com/rs/zerolog"
	circuit "github.com/rubyist/circuitbreaker"
)

func main() {
	home, err := os.UserHomeDir()

	if err != nil {
		home = "."
	}

	confPath := flag.String("path-to-config", home+"/mailsched.config.yaml", "path to the mailsched configuration file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := config.GetConfig(*confPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cb := circuit.NewBreakerWithOptions(&circuit.Options{ShouldTrip: func(b *circuit.Breaker) bool {
		return false
	}})

	var ledger core.LedgerStore

	err = cb.Call(func() error {
		ledger, err = core.NewSqlLedgerStore(core.SqlLedgerStoreConfig{
			Url:    cfg.Database.Url,
			Driver: cfg.Database.Driver,
		})

		return err
	}, 0)

	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize ledger store")
	}

	var collaborators *core.SqlCollaborators

	err = cb.Call(func() error {
		collaborators, err = core.NewSqlCollaborators(core.SqlLedgerStoreConfig{
			Url:    cfg.Database.Url,
			Driver: cfg.Database.Driver,
		})

		return err
	}, 0)

	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize collaborator stores")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Mail.Region))

	if err != nil {
		log.Fatal().Err(err).Msg("failed to load aws configuration")
	}

	var provider core.SchedulerProvider
	var polled core.PolledProvider

	switch cfg.Scheduler.Provider {
	case core.ProviderTypeRedisKafka:
		err = cb.Call(func() error {
			polled, err = core.NewRedisSchedulerProvider(core.RedisSchedulerConfig{
				Addr: cfg.Redis.Addr,
				Pass: cfg.Redis.Pass,
				DB:   cfg.Redis.DB,
			}, log)

			return err
		}, 0)

		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize redis scheduler provider")
		}

		provider = polled
	case core.ProviderTypeAws:
		provider, err = core.NewAwsSchedulerProvider(scheduler.NewFromConfig(awsCfg), core.AwsSchedulerConfig{
			GroupName: cfg.Scheduler.GroupName,
			TargetArn: cfg.Scheduler.TargetArn,
			RoleArn:   cfg.Scheduler.RoleArn,
			Timezone:  cfg.Scheduler.Timezone,
		}, log)

		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize aws scheduler provider")
		}
	default:
		log.Fatal().Str("provider", cfg.Scheduler.Provider).Msg("unknown scheduler provider")
	}

	mail := core.NewSesMailSender(sesv2.NewFromConfig(awsCfg), cfg.Mail.From, log)

	dispatcher := core.NewDispatcher(
		ledger,
		collaborators,
		collaborators,
		mail,
		collaborators,
		provider.ProviderType(),
		log,
	)

	// Reconcile ledger and backend before any new work is accepted.
	replay := core.NewReplayProcessor(ledger, provider, log)
	replay.Replay(ctx)

	relay := core.NewOutboxRelay(ctx, ledger, provider, core.DefaultRelayInterval, log)
	relay.Run()
	defer relay.Stop()

	if polled != nil {
		executor := core.NewKafkaTaskExecutor(core.KafkaTaskExecutorConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, log)

		monitor := core.NewScheduleMonitor(ctx, polled, executor, time.Duration(cfg.Monitor.IntervalSeconds)*time.Second, log)
		monitor.Run()
		defer monitor.Stop()
	}

	reconciler := core.NewReconciler(ledger, provider, cfg.Reconcile.Cron, log)

	if err := reconciler.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start reconciler")
	}

	defer reconciler.Stop()

	// Each backend delivers fire signals on its own channel: Kafka for
	// the polled pipeline, the scheduler's target queue for the managed
	// one.
	if polled != nil {
		consumer := core.NewFireConsumer(core.FireConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Group:   cfg.Kafka.Group,
		}, dispatcher, log)

		defer consumer.Close()

		go consumer.Run(ctx)
	} else {
		if cfg.Scheduler.QueueUrl == "" {
			log.Fatal().Msg("scheduler queue url is required for the aws provider")
		}

		consumer := core.NewSqsFireConsumer(sqs.NewFromConfig(awsCfg), core.SqsFireConsumerConfig{
			QueueUrl: cfg.Scheduler.QueueUrl,
		}, dispatcher, log)

		go consumer.Run(ctx)
	}

	log.Info().Str("provider", provider.ProviderType()).Msg("mailsched server started")

	<-ctx.Done()

	log.Info().Msg("shutting down")
}
