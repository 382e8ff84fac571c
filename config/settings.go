// Package config provides application settings loaded from environment variables.
//
// Settings are created via Load() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Model alias table construction
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Settings holds all backend configuration.
type Settings struct {
	Server   ServerConfig
	Paths    PathsConfig
	Models   ModelsConfig
	Actuator ActuatorConfig
	Executor ExecutorConfig
	Memory   MemoryConfig
	Speech   SpeechConfig
	Push     PushConfig
	Verbose  bool
}

// ServerConfig holds the HTTP listener configuration. The backend binds
// to loopback only; the desktop UI is the sole client.
type ServerConfig struct {
	Host       string
	Port       int
	ConfigPort int
}

// Addr returns the main listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConfigAddr returns the config-surface listen address.
func (c ServerConfig) ConfigAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.ConfigPort)
}

// PathsConfig holds filesystem locations for skills and persistent data.
type PathsConfig struct {
	DataDir   string
	SkillsDir string
}

// DatabasePath returns the SQLite file location.
func (c PathsConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "lavis.db")
}

// BackupDir returns the dated-backup directory.
func (c PathsConfig) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// ActuatorConfig holds pointer safety and shell execution settings.
type ActuatorConfig struct {
	SafeTop            int
	SafeLeft           int
	SafeRight          int
	SafeBottom         int
	DeviationThreshold int
	HumanLike          bool
	ShellTimeout       time.Duration
}

// ExecutorConfig bounds the perception loop and planning.
type ExecutorConfig struct {
	CycleCap          int
	MilestoneTimeout  time.Duration
	MilestoneRetries  int
	MaxPlanMilestones int
	SettleWait        time.Duration
}

// MemoryConfig bounds the turn memory.
type MemoryConfig struct {
	MaxEntries        int
	LegacyFrameWindow int
}

// SpeechConfig sizes the asynchronous TTS pipeline.
type SpeechConfig struct {
	Workers      int
	QueueSize    int
	SegmentBytes int
}

// PushConfig sizes per-connection write queues.
type PushConfig struct {
	QueueSize int
}

// Load builds settings from the environment, applying defaults for unset
// variables. Returns an error when a set variable fails to parse.
func Load() (Settings, error) {
	port, err := getEnvInt("LAVIS_PORT", 8080)
	if err != nil {
		return Settings{}, err
	}
	configPort, err := getEnvInt("LAVIS_CONFIG_PORT", 18765)
	if err != nil {
		return Settings{}, err
	}

	dataDir, err := getEnvPath("LAVIS_DATA_DIR", filepath.Join("~", ".lavis", "data"))
	if err != nil {
		return Settings{}, err
	}
	skillsDir, err := getEnvPath("LAVIS_SKILLS_DIR", filepath.Join("~", ".lavis", "skills"))
	if err != nil {
		return Settings{}, err
	}

	models, err := loadModelAliases()
	if err != nil {
		return Settings{}, err
	}

	safeTop, err := getEnvInt("LAVIS_SAFE_TOP", 25)
	if err != nil {
		return Settings{}, err
	}
	deviation, err := getEnvInt("LAVIS_DEVIATION_THRESHOLD", 3)
	if err != nil {
		return Settings{}, err
	}
	humanLike, err := getEnvBool("LAVIS_HUMAN_LIKE", true)
	if err != nil {
		return Settings{}, err
	}
	shellTimeout, err := getEnvDuration("LAVIS_SHELL_TIMEOUT", 30*time.Second)
	if err != nil {
		return Settings{}, err
	}

	cycleCap, err := getEnvInt("LAVIS_CYCLE_CAP", 8)
	if err != nil {
		return Settings{}, err
	}
	milestoneTimeout, err := getEnvDuration("LAVIS_MILESTONE_TIMEOUT", 3*time.Minute)
	if err != nil {
		return Settings{}, err
	}
	milestoneRetries, err := getEnvInt("LAVIS_MILESTONE_RETRIES", 2)
	if err != nil {
		return Settings{}, err
	}
	maxPlan, err := getEnvInt("LAVIS_MAX_PLAN_MILESTONES", 20)
	if err != nil {
		return Settings{}, err
	}

	maxEntries, err := getEnvInt("LAVIS_MEMORY_MAX_ENTRIES", 50)
	if err != nil {
		return Settings{}, err
	}

	ttsWorkers, err := getEnvInt("LAVIS_TTS_WORKERS", 2)
	if err != nil {
		return Settings{}, err
	}

	return Settings{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       port,
			ConfigPort: configPort,
		},
		Paths: PathsConfig{
			DataDir:   dataDir,
			SkillsDir: skillsDir,
		},
		Models: models,
		Actuator: ActuatorConfig{
			SafeTop:            safeTop,
			SafeLeft:           5,
			SafeRight:          5,
			SafeBottom:         5,
			DeviationThreshold: deviation,
			HumanLike:          humanLike,
			ShellTimeout:       shellTimeout,
		},
		Executor: ExecutorConfig{
			CycleCap:          cycleCap,
			MilestoneTimeout:  milestoneTimeout,
			MilestoneRetries:  milestoneRetries,
			MaxPlanMilestones: maxPlan,
			SettleWait:        150 * time.Millisecond,
		},
		Memory: MemoryConfig{
			MaxEntries:        maxEntries,
			LegacyFrameWindow: 4,
		},
		Speech: SpeechConfig{
			Workers:      ttsWorkers,
			QueueSize:    16,
			SegmentBytes: 64 * 1024,
		},
		Push: PushConfig{
			QueueSize: 64,
		},
	}, nil
}

// MustLoad builds settings and panics on invalid environment values.
// Use only in main where configuration errors should be fatal.
func MustLoad() Settings {
	settings, err := Load()
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// Environment variable helpers with proper error handling

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return d, nil
}

// getEnvPath reads a path variable and expands a leading "~" to the home
// directory.
func getEnvPath(key, defaultVal string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		val = defaultVal
	}
	return expandHome(val)
}

func expandHome(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}
