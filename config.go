package readings

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the readings service, split
// into per-concern groups each with documented defaults.
type Config struct {
	// DataDir is the directory holding readings_<d>.db files.
	// Default: ".".
	DataDir string `yaml:"data_dir"`

	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Purge      PurgeConfig      `yaml:"purge"`
	Stats      StatsConfig      `yaml:"stats"`
	Management ManagementConfig `yaml:"management"`
}

// StorageConfig groups readings-catalogue and storage-engine settings.
type StorageConfig struct {
	// ReadingsToAllocate is how many readings_<k> tables to pre-create per
	// database file. Default: 60.
	ReadingsToAllocate int `yaml:"readings_to_allocate"`

	// MaxReadingsPerDB bounds how many tables a single database file may
	// hold before a new one is opened. Default: 60.
	MaxReadingsPerDB int `yaml:"max_readings_per_db"`

	// BusyTimeout is the SQLite busy_timeout pragma value. Default: 5s.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// QueueConfig groups ingest queue & flush scheduler settings.
type QueueConfig struct {
	// Threshold is the active-queue size that triggers a rotation into the
	// full-queue stack. Default: 1000.
	Threshold int `yaml:"threshold"`

	// FlushTimeout bounds how long a reading may sit in the active queue
	// before the flush worker rotates it regardless of threshold.
	// Default: 5s.
	FlushTimeout time.Duration `yaml:"flush_timeout"`

	// ResendMaxAttempts is the number of consecutive failures of a batch at
	// which the head of the batch is dropped and counted as DISCARDED.
	// Default: 6 (drop the first 5 after the 6th failure).
	ResendMaxAttempts int `yaml:"resend_max_attempts"`

	// ResendDropCount is how many readings are dropped from the head of a
	// batch once it has failed ResendMaxAttempts times. Default: 5.
	ResendDropCount int `yaml:"resend_drop_count"`
}

// PurgeConfig groups adaptive purge engine settings.
type PurgeConfig struct {
	// Interval is how often the purge worker runs. Default: 1h.
	Interval time.Duration `yaml:"interval"`

	// AgeHours purges rows older than this many hours. 0 means derive age
	// from (now - min(user_ts)) / 360.
	AgeHours uint `yaml:"age_hours"`

	// KeepUnsent, when true, never purges rows with id > the last sent id
	// reported by the north-side exporter.
	KeepUnsent bool `yaml:"keep_unsent"`

	// InitialBlockSize seeds purgeBlockSize before the first adaptive
	// recalculation. Default: 100, clamped to [20, 1500].
	InitialBlockSize int `yaml:"initial_block_size"`

	// ArchiveBeforeDelete uploads each about-to-be-deleted block to the
	// configured archive sink (compressed) before issuing the DELETE.
	ArchiveBeforeDelete bool `yaml:"archive_before_delete"`

	// Archive configures the S3 sink used when ArchiveBeforeDelete is set.
	Archive ArchiveConfig `yaml:"archive"`
}

// StatsConfig groups statistics & asset tracker settings.
type StatsConfig struct {
	// FlushInterval bounds how long accumulated counters may sit before a
	// flush is forced even absent a wake-up notification. Default: 15s.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ManagementConfig configures the opaque management-service collaborator.
type ManagementConfig struct {
	// BaseURL is the root of the management service's /fledge API.
	BaseURL string `yaml:"base_url"`

	// ServiceName identifies this ingest service to the management API.
	ServiceName string `yaml:"service_name"`

	// TokenSeed is the shared secret the bearer-token cache derives
	// short-lived tokens from via HKDF. Default: ServiceName (fine for
	// local development; operators should override it in production).
	TokenSeed string `yaml:"token_seed"`
}

// DefaultConfig returns a Config populated with the defaults documented
// on each field above.
func DefaultConfig() Config {
	return Config{
		DataDir: ".",
		Storage: StorageConfig{
			ReadingsToAllocate: 60,
			MaxReadingsPerDB:   60,
			BusyTimeout:        5 * time.Second,
		},
		Queue: QueueConfig{
			Threshold:         1000,
			FlushTimeout:      5 * time.Second,
			ResendMaxAttempts: 6,
			ResendDropCount:   5,
		},
		Purge: PurgeConfig{
			Interval:         time.Hour,
			KeepUnsent:       true,
			InitialBlockSize: 100,
		},
		Stats: StatsConfig{
			FlushInterval: 15 * time.Second,
		},
		Management: ManagementConfig{
			ServiceName: "readings",
		},
	}
}

// LoadConfig reads a YAML config file, applying defaults for any field
// left zero-valued.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.normalize()
	return cfg, nil
}

// normalize fills in zero-valued fields with defaults.
func (c *Config) normalize() {
	d := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Storage.ReadingsToAllocate == 0 {
		c.Storage.ReadingsToAllocate = d.Storage.ReadingsToAllocate
	}
	if c.Storage.MaxReadingsPerDB == 0 {
		c.Storage.MaxReadingsPerDB = d.Storage.MaxReadingsPerDB
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = d.Storage.BusyTimeout
	}
	if c.Queue.Threshold == 0 {
		c.Queue.Threshold = d.Queue.Threshold
	}
	if c.Queue.FlushTimeout == 0 {
		c.Queue.FlushTimeout = d.Queue.FlushTimeout
	}
	if c.Queue.ResendMaxAttempts == 0 {
		c.Queue.ResendMaxAttempts = d.Queue.ResendMaxAttempts
	}
	if c.Queue.ResendDropCount == 0 {
		c.Queue.ResendDropCount = d.Queue.ResendDropCount
	}
	if c.Purge.Interval == 0 {
		c.Purge.Interval = d.Purge.Interval
	}
	if c.Purge.InitialBlockSize == 0 {
		c.Purge.InitialBlockSize = d.Purge.InitialBlockSize
	}
	if c.Stats.FlushInterval == 0 {
		c.Stats.FlushInterval = d.Stats.FlushInterval
	}
	if c.Management.ServiceName == "" {
		c.Management.ServiceName = d.Management.ServiceName
	}
	if c.Management.TokenSeed == "" {
		c.Management.TokenSeed = c.Management.ServiceName
	}
}
