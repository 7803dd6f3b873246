package config

import (
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

var defaultConfig = Config{
	Database: struct {
		Url    string `yaml:"url,omitempty"`
		Driver string `yaml:"driver,omitempty"`
	}{
		Url:    envOrDefault("MAILSCHED_SQL_URL", "host=localhost port=5432 dbname=mailsched user=mailsched password='mailsched' sslmode=disable"),
		Driver: envOrDefault("MAILSCHED_SQL_DRIVER", "postgres"),
	},
	Redis: struct {
		Addr string `yaml:"addr,omitempty"`
		Pass string `yaml:"pass,omitempty"`
		DB   int    `yaml:"db,omitempty"`
	}{
		Addr: envOrDefault("MAILSCHED_REDIS_ADDR", "localhost:6379"),
		Pass: envOrDefault("MAILSCHED_REDIS_PASS", ""),
		DB:   envOrDefaultInt("MAILSCHED_REDIS_DB", 0),
	},
	Kafka: struct {
		Brokers []string `yaml:"brokers,omitempty"`
		Topic   string   `yaml:"topic,omitempty"`
		Group   string   `yaml:"group,omitempty"`
	}{
		Brokers: strings.Split(envOrDefault("MAILSCHED_KAFKA_BROKERS", "localhost:9092"), ","),
		Topic:   envOrDefault("MAILSCHED_KAFKA_TOPIC", "scheduled-tasks"),
		Group:   envOrDefault("MAILSCHED_KAFKA_GROUP", "mailsched-scheduled-tasks"),
	},
	Scheduler: struct {
		Provider  string `yaml:"provider,omitempty"`
		Timezone  string `yaml:"timezone,omitempty"`
		GroupName string `yaml:"groupName,omitempty"`
		TargetArn string `yaml:"targetArn,omitempty"`
		RoleArn   string `yaml:"roleArn,omitempty"`
		QueueUrl  string `yaml:"queueUrl,omitempty"`
	}{
		Provider:  envOrDefault("MAILSCHED_SCHEDULER_PROVIDER", "redis-kafka"),
		Timezone:  envOrDefault("MAILSCHED_SCHEDULER_TIMEZONE", "Asia/Seoul"),
		GroupName: envOrDefault("MAILSCHED_SCHEDULER_GROUP", "mailsched"),
		TargetArn: envOrDefault("MAILSCHED_SCHEDULER_TARGET_ARN", ""),
		RoleArn:   envOrDefault("MAILSCHED_SCHEDULER_ROLE_ARN", ""),
		QueueUrl:  envOrDefault("MAILSCHED_SCHEDULER_QUEUE_URL", ""),
	},
	Mail: struct {
		From   string `yaml:"from,omitempty"`
		Region string `yaml:"region,omitempty"`
	}{
		From:   envOrDefault("MAILSCHED_MAIL_FROM", "no-reply@localhost"),
		Region: envOrDefault("MAILSCHED_MAIL_REGION", "ap-northeast-2"),
	},
	Monitor: struct {
		IntervalSeconds int `yaml:"intervalSeconds,omitempty"`
	}{
		IntervalSeconds: envOrDefaultInt("MAILSCHED_MONITOR_INTERVAL", 1),
	},
	Reconcile: struct {
		Cron string `yaml:"cron,omitempty"`
	}{
		Cron: envOrDefault("MAILSCHED_RECONCILE_CRON", "0 * * * *"),
	},
}

type Config struct {
	Database struct {
		Url    string `yaml:"url,omitempty"`
		Driver string `yaml:"driver,omitempty"`
	}

	Redis struct {
		Addr string `yaml:"addr,omitempty"`
		Pass string `yaml:"pass,omitempty"`
		DB   int    `yaml:"db,omitempty"`
	}

	Kafka struct {
		Brokers []string `yaml:"brokers,omitempty"`
		Topic   string   `yaml:"topic,omitempty"`
		Group   string   `yaml:"group,omitempty"`
	}

	Scheduler struct {
		Provider  string `yaml:"provider,omitempty"`
		Timezone  string `yaml:"timezone,omitempty"`
		GroupName string `yaml:"groupName,omitempty"`
		TargetArn string `yaml:"targetArn,omitempty"`
		RoleArn   string `yaml:"roleArn,omitempty"`
		QueueUrl  string `yaml:"queueUrl,omitempty"`
	}

	Mail struct {
		From   string `yaml:"from,omitempty"`
		Region string `yaml:"region,omitempty"`
	}

	Monitor struct {
		IntervalSeconds int `yaml:"intervalSeconds,omitempty"`
	}

	Reconcile struct {
		Cron string `yaml:"cron,omitempty"`
	}
}

func GetConfig(path string) Config {
	f, err := os.Open(path)

	if err != nil {
		return DefaultConfig()
	}

	defer f.Close()

	buf, err := io.ReadAll(f)

	if err != nil {
		return DefaultConfig()
	}

	var cfg = defaultConfig

	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return DefaultConfig()
	}

	return cfg
}

func DefaultConfig() Config {
	return defaultConfig
}

func envOrDefault(key string, def string) string {
	v, ok := os.LookupEnv(key)

	if !ok {
		return def
	}

	return v
}

func envOrDefaultInt(key string, def int) int {
	v, ok := os.LookupEnv(key)

	if !ok {
		return def
	}

	vInt, err := strconv.Atoi(v)

	if err != nil {
		return def
	}

	return vInt
}
