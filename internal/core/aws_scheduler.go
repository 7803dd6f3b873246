package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	schedulertypes "github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"github.com/rs/zerolog"
)

const ProviderTypeAws = "aws"

const scheduleExpressionLayout = "2006-01-02T15:04:05"

// awsSchedulerAPI is the slice of the EventBridge Scheduler client the
// adapter needs.
type awsSchedulerAPI interface {
	CreateSchedule(ctx context.Context, params *scheduler.CreateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.CreateScheduleOutput, error)
	ListSchedules(ctx context.Context, params *scheduler.ListSchedulesInput, optFns ...func(*scheduler.Options)) (*scheduler.ListSchedulesOutput, error)
	DeleteSchedule(ctx context.Context, params *scheduler.DeleteScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.DeleteScheduleOutput, error)
}

type AwsSchedulerConfig struct {
	GroupName string
	TargetArn string
	RoleArn   string
	Timezone  string
}

// awsSchedulerProvider delegates to the managed external scheduler.
// Each schedule gets an absolute at(...) fire expression in a fixed
// timezone and a target that delivers the fire message back to this
// system's queue.
type awsSchedulerProvider struct {
	client awsSchedulerAPI
	conf   AwsSchedulerConfig
	loc    *time.Location
	log    zerolog.Logger
}

func NewAwsSchedulerProvider(client awsSchedulerAPI, conf AwsSchedulerConfig, log zerolog.Logger) (SchedulerProvider, error) {
	loc, err := time.LoadLocation(conf.Timezone)

	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone %q: %w", conf.Timezone, err)
	}

	return &awsSchedulerProvider{
		client: client,
		conf:   conf,
		loc:    loc,
		log:    log.With().Str("component", "aws_scheduler").Logger(),
	}, nil
}

func (p *awsSchedulerProvider) ProviderType() string {
	return ProviderTypeAws
}

func (p *awsSchedulerProvider) scheduleExpression(dueTime time.Time) string {
	return fmt.Sprintf("at(%s)", dueTime.In(p.loc).Format(scheduleExpressionLayout))
}

func (p *awsSchedulerProvider) CreateSchedule(ctx context.Context, name string, dueTime time.Time, payload string) (string, error) {
	out, err := p.client.CreateSchedule(ctx, &scheduler.CreateScheduleInput{
		Name:                       aws.String(name),
		GroupName:                  aws.String(p.conf.GroupName),
		ScheduleExpression:         aws.String(p.scheduleExpression(dueTime)),
		ScheduleExpressionTimezone: aws.String(p.conf.Timezone),
		ActionAfterCompletion:      schedulertypes.ActionAfterCompletionNone,
		FlexibleTimeWindow: &schedulertypes.FlexibleTimeWindow{
			Mode: schedulertypes.FlexibleTimeWindowModeOff,
		},
		Target: &schedulertypes.Target{
			Arn:     aws.String(p.conf.TargetArn),
			RoleArn: aws.String(p.conf.RoleArn),
			Input:   aws.String(payload),
		},
	})

	if err != nil {
		var conflict *schedulertypes.ConflictException

		if errors.As(err, &conflict) {
			return "", fmt.Errorf("schedule %s: %w", name, ErrScheduleConflict)
		}

		return "", fmt.Errorf("failed to create schedule %s: %w", name, err)
	}

	p.log.Info().Str("schedule", name).Str("group", p.conf.GroupName).Str("arn", aws.ToString(out.ScheduleArn)).Msg("created schedule")

	return aws.ToString(out.ScheduleArn), nil
}

func (p *awsSchedulerProvider) ListSchedules(ctx context.Context) ([]string, error) {
	var names []string
	var token *string

	for {
		out, err := p.client.ListSchedules(ctx, &scheduler.ListSchedulesInput{
			GroupName: aws.String(p.conf.GroupName),
			NextToken: token,
		})

		if err != nil {
			return nil, err
		}

		for _, s := range out.Schedules {
			names = append(names, aws.ToString(s.Name))
		}

		if out.NextToken == nil {
			return names, nil
		}

		token = out.NextToken
	}
}

func (p *awsSchedulerProvider) DeleteSchedule(ctx context.Context, name string) error {
	_, err := p.client.DeleteSchedule(ctx, &scheduler.DeleteScheduleInput{
		Name:      aws.String(name),
		GroupName: aws.String(p.conf.GroupName),
	})

	if err != nil {
		var notFound *schedulertypes.ResourceNotFoundException

		if errors.As(err, &notFound) {
			return nil
		}

		return fmt.Errorf("failed to delete schedule %s: %w", name, err)
	}

	p.log.Info().Str("schedule", name).Msg("deleted schedule")

	return nil
}
