// Package config loads schemaflow settings from the environment.
//
// A .env file is read first when present (ENV_PATH overrides its location);
// variables already set in the process environment win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	Port int `validate:"min=1,max=65535"`

	StoreKind   string `validate:"oneof=memory postgres sqlite mssql"`
	DatabaseURL string `validate:"required_unless=StoreKind memory"`

	AutoWiden bool

	SourceURLs     []string `validate:"dive,url"`
	SourceIndexURL string   `validate:"omitempty,url"`

	IngestConcurrency int           `validate:"min=1"`
	SyncConcurrency   int           `validate:"min=1"`
	SyncBatchSize     int           `validate:"min=1"`
	JobAttempts       int           `validate:"min=1"`
	JobBackoff        time.Duration `validate:"min=0"`
	FetchAttempts     int           `validate:"min=1"`
	HTTPTimeout       time.Duration `validate:"min=0"`

	SyncCron     string `validate:"required"`
	SyncTimezone string `validate:"required,timezone"`

	// SyncDistributed makes a trigger enqueue one sync job per source.
	SyncDistributed bool

	QueueKind    string   `validate:"oneof=memory kafka"`
	KafkaBrokers []string `validate:"required_if=QueueKind kafka"`
	KafkaTopic   string   `validate:"required_if=QueueKind kafka"`
	KafkaGroupID string   `validate:"required_if=QueueKind kafka"`

	MetricsBackend string `validate:"oneof=none datadog"`
	MetricsTags    []string
}

// Defaults returns the configuration used for unset variables.
func Defaults() Config {
	return Config{
		Port:              3000,
		StoreKind:         "memory",
		AutoWiden:         true,
		IngestConcurrency: 150,
		SyncConcurrency:   4,
		SyncBatchSize:     500,
		JobAttempts:       3,
		JobBackoff:        time.Second,
		FetchAttempts:     3,
		HTTPTimeout:       10 * time.Minute,
		SyncCron:          "0 */12 * * *",
		SyncTimezone:      "Europe/Dublin",
		QueueKind:         "memory",
		KafkaTopic:        "schemaflow-jobs",
		KafkaGroupID:      "schemaflow",
		MetricsBackend:    "none",
	}
}

// Load reads the optional .env file, then the environment, and validates the
// result.
func Load() (Config, error) {
	path := strings.TrimSpace(os.Getenv("ENV_PATH"))
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, falling back to Defaults.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Defaults()
	r := reader{lookup: lookup}

	r.int("PORT", &c.Port)
	r.string("STORE_KIND", &c.StoreKind)
	r.string("DATABASE_URL", &c.DatabaseURL)
	r.bool("AUTO_WIDEN_ON_TYPE_ERRORS", &c.AutoWiden)
	r.list("SOURCE_URLS", &c.SourceURLs)
	r.string("SOURCE_INDEX_URL", &c.SourceIndexURL)
	r.int("INGEST_CONCURRENCY", &c.IngestConcurrency)
	r.int("SYNC_CONCURRENCY", &c.SyncConcurrency)
	r.bool("SYNC_DISTRIBUTED", &c.SyncDistributed)
	r.int("SYNC_BATCH_SIZE", &c.SyncBatchSize)
	r.int("JOB_ATTEMPTS", &c.JobAttempts)
	r.duration("JOB_BACKOFF", &c.JobBackoff)
	r.int("FETCH_ATTEMPTS", &c.FetchAttempts)
	r.duration("HTTP_TIMEOUT", &c.HTTPTimeout)
	r.string("SYNC_CRON", &c.SyncCron)
	r.string("SYNC_TIMEZONE", &c.SyncTimezone)
	r.string("QUEUE_KIND", &c.QueueKind)
	r.list("KAFKA_BROKERS", &c.KafkaBrokers)
	r.string("KAFKA_TOPIC", &c.KafkaTopic)
	r.string("KAFKA_GROUP_ID", &c.KafkaGroupID)
	r.string("METRICS_BACKEND", &c.MetricsBackend)
	r.list("METRICS_TAGS", &c.MetricsTags)

	if len(r.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(r.errs...))
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

var validate = validator.New()

// Validate checks field constraints and reports every violation at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) string(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *reader) int(key string, dst *int) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (r *reader) bool(key string, dst *bool) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}

// duration accepts Go durations ("1s", "250ms") or bare milliseconds.
func (r *reader) duration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return
	}
	*dst = d
}

func (r *reader) list(key string, dst *[]string) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
