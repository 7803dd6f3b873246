package core

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/rs/zerolog"
)

const (
	ProviderTypeRedisKafka = "redis-kafka"

	scheduledTasksKey = "scheduled:tasks"
	taskDataPrefix    = "scheduled:task:"
)

// claimDueScript pops every member with score <= now in one round
// trip. Fetch and remove must be a single atomic step: with multiple
// replicas polling the same index, a fetch-all-then-delete-all loop
// would dispatch the same entry twice.
const claimDueScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #due > 0 then
	redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`

type RedisSchedulerConfig struct {
	Addr string
	Pass string
	DB   int
}

// redisSchedulerProvider keeps armed schedules in a sorted set scored
// by due-time epoch seconds, with a side key per entry holding the
// serialized handle for exact lookup at delete time.
type redisSchedulerProvider struct {
	c   *redis.Client
	log zerolog.Logger
}

func NewRedisSchedulerProvider(conf RedisSchedulerConfig, log zerolog.Logger) (PolledProvider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            conf.Addr,
		Password:        conf.Pass,
		DB:              conf.DB,
		MaxRetries:      8,
		MinRetryBackoff: 0,
		MaxRetryBackoff: 30,
	})

	if err := client.Ping().Err(); err != nil {
		return nil, err
	}

	return &redisSchedulerProvider{
		c:   client,
		log: log.With().Str("component", "redis_scheduler").Logger(),
	}, nil
}

func (p *redisSchedulerProvider) ProviderType() string {
	return ProviderTypeRedisKafka
}

func (p *redisSchedulerProvider) CreateSchedule(ctx context.Context, name string, dueTime time.Time, payload string) (string, error) {
	c := p.c.WithContext(ctx)

	entry := ScheduleEntry{
		Name:    name,
		DueTime: dueTime,
		Payload: payload,
	}

	data, err := json.Marshal(entry)

	if err != nil {
		return "", err
	}

	if err := c.SetNX(taskDataPrefix+name, data, 0).Err(); err != nil {
		return "", err
	}

	added, err := c.ZAddNX(scheduledTasksKey, &redis.Z{
		Score:  float64(dueTime.Unix()),
		Member: name,
	}).Result()

	if err != nil {
		return "", err
	}

	if added == 0 {
		return name, ErrScheduleConflict
	}

	p.log.Info().Str("schedule", name).Time("due", dueTime).Msg("created schedule")

	return name, nil
}

func (p *redisSchedulerProvider) ListSchedules(ctx context.Context) ([]string, error) {
	return p.c.WithContext(ctx).ZRange(scheduledTasksKey, 0, -1).Result()
}

// DeleteSchedule removes the exact sorted-index member, then the side
// metadata key. A missing schedule is not an error.
func (p *redisSchedulerProvider) DeleteSchedule(ctx context.Context, name string) error {
	c := p.c.WithContext(ctx)

	if err := c.ZRem(scheduledTasksKey, name).Err(); err != nil {
		return err
	}

	return c.Del(taskDataPrefix + name).Err()
}

func (p *redisSchedulerProvider) FetchDue(ctx context.Context, now time.Time) ([]ScheduleEntry, error) {
	names, err := p.c.WithContext(ctx).ZRangeByScore(scheduledTasksKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()

	if err != nil {
		return nil, err
	}

	return p.loadEntries(ctx, names), nil
}

func (p *redisSchedulerProvider) ClaimDue(ctx context.Context, now time.Time) ([]ScheduleEntry, error) {
	res, err := p.c.WithContext(ctx).Eval(claimDueScript, []string{scheduledTasksKey}, now.Unix()).Result()

	if err != nil {
		return nil, err
	}

	raw, ok := res.([]interface{})

	if !ok {
		return nil, nil
	}

	names := make([]string, 0, len(raw))

	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}

	return p.loadEntries(ctx, names), nil
}

func (p *redisSchedulerProvider) Rearm(ctx context.Context, entry ScheduleEntry) error {
	return p.c.WithContext(ctx).ZAdd(scheduledTasksKey, &redis.Z{
		Score:  float64(entry.DueTime.Unix()),
		Member: entry.Name,
	}).Err()
}

func (p *redisSchedulerProvider) loadEntries(ctx context.Context, names []string) []ScheduleEntry {
	c := p.c.WithContext(ctx)

	out := make([]ScheduleEntry, 0, len(names))

	for _, name := range names {
		data, err := c.Get(taskDataPrefix + name).Result()

		if err == redis.Nil {
			p.log.Warn().Str("schedule", name).Msg("schedule has no metadata key, skipping")
			continue
		}

		if err != nil {
			p.log.Error().Err(err).Str("schedule", name).Msg("failed to load schedule metadata")
			continue
		}

		var entry ScheduleEntry

		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			p.log.Warn().Err(err).Str("schedule", name).Msg("corrupted schedule metadata, removing")
			c.Del(taskDataPrefix + name)
			continue
		}

		out = append(out, entry)
	}

	return out
}
