package config

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration values the loop cannot run with.
var ErrInvalid = errors.New("invalid configuration")

const (
	InheritanceInherited       = "inherited"
	InheritanceProfileSpecific = "profile-specific"
)

type RootConfig struct {
	ActiveProfile string                            `mapstructure:"active_profile" yaml:"active_profile"`
	Profiles      map[string]map[string]interface{} `mapstructure:"profiles" yaml:"profiles"`
}

type Config struct {
	Audio       AudioConfig       `mapstructure:"audio" yaml:"audio"`
	Capture     CaptureConfig     `mapstructure:"capture" yaml:"capture"`
	Playback    PlaybackConfig    `mapstructure:"playback" yaml:"playback"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
	Sim         SimConfig         `mapstructure:"sim" yaml:"sim"`
	Run         RunConfig         `mapstructure:"run" yaml:"run"`

	// Profile is the name of the resolved profile
	Profile string `mapstructure:"-" yaml:"-"`
	// Inheritance maps every leaf key to "inherited" or "profile-specific"
	Inheritance map[string]string `mapstructure:"-" yaml:"-"`
}

type AudioConfig struct {
	SampleRate      int     `mapstructure:"sample_rate" yaml:"sample_rate"`
	DurationSeconds float64 `mapstructure:"duration_seconds" yaml:"duration_seconds"`
	Oversample      int     `mapstructure:"oversample" yaml:"oversample"`
}

type CaptureConfig struct {
	ADCBits   int     `mapstructure:"adc_bits" yaml:"adc_bits"`
	Source    string  `mapstructure:"source" yaml:"source"`       // "sine", "constant", "mp3"
	Frequency float64 `mapstructure:"frequency" yaml:"frequency"` // sine tone in Hz
	Level     int     `mapstructure:"level" yaml:"level"`         // constant reading, or sine amplitude
	File      string  `mapstructure:"file" yaml:"file"`           // mp3 source
}

type PlaybackConfig struct {
	SystemClockHz float64       `mapstructure:"system_clock_hz" yaml:"system_clock_hz"`
	Wrap          int           `mapstructure:"wrap" yaml:"wrap"`
	ClockDivider  float64       `mapstructure:"clock_divider" yaml:"clock_divider"` // 0 derives it
	RateTolerance float64       `mapstructure:"rate_tolerance" yaml:"rate_tolerance"`
	InitTimeout   time.Duration `mapstructure:"init_timeout" yaml:"init_timeout"`
	Sink          string        `mapstructure:"sink" yaml:"sink"` // "trace", "null", "oto"
	TraceFile     string        `mapstructure:"trace_file" yaml:"trace_file"`
}

type DiagnosticsConfig struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	Output  string  `mapstructure:"output" yaml:"output"`
	VRef    float64 `mapstructure:"vref" yaml:"vref"`
}

type SimConfig struct {
	Mode       string        `mapstructure:"mode" yaml:"mode"` // "paced", "fast", "manual"
	Resolution time.Duration `mapstructure:"resolution" yaml:"resolution"`
	TimerSlots int           `mapstructure:"timer_slots" yaml:"timer_slots"`
}

type RunConfig struct {
	Cycles int64 `mapstructure:"cycles" yaml:"cycles"`
}

var defaultConfig = Config{
	Audio: AudioConfig{
		SampleRate:      8000,
		DurationSeconds: 2,
		Oversample:      8,
	},
	Capture: CaptureConfig{
		ADCBits:   12,
		Source:    "sine",
		Frequency: 1000,
		Level:     2047,
	},
	Playback: PlaybackConfig{
		SystemClockHz: 125_000_000,
		Wrap:          250,
		RateTolerance: 0.02,
		InitTimeout:   500 * time.Millisecond,
		Sink:          "trace",
	},
	Diagnostics: DiagnosticsConfig{
		Enabled: true,
		Output:  "stdout",
		VRef:    3.3,
	},
	Sim: SimConfig{
		Mode:       "paced",
		Resolution: time.Millisecond,
		TimerSlots: 4,
	},
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaultConfig
	cfg.Profile = "default"
	cfg.Inheritance = map[string]string{}
	for _, key := range defaultKeys() {
		cfg.Inheritance[key] = InheritanceInherited
	}
	return &cfg
}

// DefaultPath returns $HOME/.config/pwmloop.yaml.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/pwmloop.yaml")
}

// LoadWithProfile reads the config file and resolves a profile over the
// "default" profile and the built-in defaults. An empty profile selects
// active_profile from the file.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	root, err := ReadRoot(configFile)
	if err != nil {
		return nil, err
	}

	name := profile
	if name == "" {
		name = root.ActiveProfile
	}
	if name == "" {
		name = "default"
	}

	selected, exists := root.Profiles[name]
	if !exists && !(name == "default" && len(root.Profiles) == 0) {
		return nil, fmt.Errorf("configuration profile '%s' not found", name)
	}

	var layers []map[string]interface{}
	if name != "default" {
		if base, ok := root.Profiles["default"]; ok {
			layers = append(layers, base)
		}
	}
	layers = append(layers, selected)

	cfg, err := resolve(layers...)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", name, err)
	}
	cfg.Profile = name

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ReadRoot parses the raw profile document.
func ReadRoot(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var root RootConfig
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for name, p := range root.Profiles {
		if err := validateProfileKeys(p); err != nil {
			return nil, fmt.Errorf("invalid profile '%s': %w", name, err)
		}
	}
	return &root, nil
}

// ProfileNames returns the sorted profile names in the file.
func ProfileNames(configFile string) ([]string, error) {
	root, err := ReadRoot(configFile)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(root.Profiles))
	for name := range root.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// UpdateActiveProfile updates the active_profile field in the config file
func UpdateActiveProfile(configFile, newActiveProfile string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	profiles := v.GetStringMap("profiles")
	if _, ok := profiles[newActiveProfile]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveProfile)
	}

	v.Set("active_profile", newActiveProfile)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// WriteDefault writes a config file with the built-in defaults as the
// "default" profile plus a "fast" profile that runs unpaced. Existing files
// are left untouched.
func WriteDefault(configFile string) error {
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file %s already exists", configFile)
	}

	base, err := toMap(defaultConfig)
	if err != nil {
		return err
	}
	root := RootConfig{
		ActiveProfile: "default",
		Profiles: map[string]map[string]interface{}{
			"default": base,
			"fast": {
				"sim":         map[string]interface{}{"mode": "fast"},
				"diagnostics": map[string]interface{}{"enabled": false},
				"playback":    map[string]interface{}{"sink": "null"},
			},
		},
	}

	data, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("error encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0o644); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// Marshal renders the resolved configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	m, err := toMap(*c)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(m)
}

func toMap(cfg Config) (map[string]interface{}, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("error encoding config: %w", err)
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	// durations read back better as "500ms" than as nanoseconds
	if p, ok := m["playback"].(map[string]interface{}); ok {
		p["init_timeout"] = cfg.Playback.InitTimeout.String()
	}
	if s, ok := m["sim"].(map[string]interface{}); ok {
		s["resolution"] = cfg.Sim.Resolution.String()
	}
	return m, nil
}

// resolve layers the profile maps over the built-in defaults, then applies
// PWMLOOP_* environment overrides.
func resolve(layers ...map[string]interface{}) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PWMLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	inheritance := make(map[string]string)
	for _, key := range defaultKeys() {
		inheritance[key] = InheritanceInherited
	}

	for i, layer := range layers {
		if layer == nil {
			continue
		}
		if err := v.MergeConfigMap(layer); err != nil {
			return nil, fmt.Errorf("error merging profile layer: %w", err)
		}
		// only the last layer is the selected profile
		if i == len(layers)-1 {
			for _, key := range flattenKeys("", layer) {
				inheritance[key] = InheritanceProfileSpecific
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Inheritance = inheritance
	cfg.Capture.File = expandPath(cfg.Capture.File)
	cfg.Playback.TraceFile = expandPath(cfg.Playback.TraceFile)
	if cfg.Diagnostics.Output != "stdout" && cfg.Diagnostics.Output != "stderr" {
		cfg.Diagnostics.Output = expandPath(cfg.Diagnostics.Output)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := defaultConfig
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.duration_seconds", d.Audio.DurationSeconds)
	v.SetDefault("audio.oversample", d.Audio.Oversample)

	v.SetDefault("capture.adc_bits", d.Capture.ADCBits)
	v.SetDefault("capture.source", d.Capture.Source)
	v.SetDefault("capture.frequency", d.Capture.Frequency)
	v.SetDefault("capture.level", d.Capture.Level)
	v.SetDefault("capture.file", d.Capture.File)

	v.SetDefault("playback.system_clock_hz", d.Playback.SystemClockHz)
	v.SetDefault("playback.wrap", d.Playback.Wrap)
	v.SetDefault("playback.clock_divider", d.Playback.ClockDivider)
	v.SetDefault("playback.rate_tolerance", d.Playback.RateTolerance)
	v.SetDefault("playback.init_timeout", d.Playback.InitTimeout)
	v.SetDefault("playback.sink", d.Playback.Sink)
	v.SetDefault("playback.trace_file", d.Playback.TraceFile)

	v.SetDefault("diagnostics.enabled", d.Diagnostics.Enabled)
	v.SetDefault("diagnostics.output", d.Diagnostics.Output)
	v.SetDefault("diagnostics.vref", d.Diagnostics.VRef)

	v.SetDefault("sim.mode", d.Sim.Mode)
	v.SetDefault("sim.resolution", d.Sim.Resolution)
	v.SetDefault("sim.timer_slots", d.Sim.TimerSlots)

	v.SetDefault("run.cycles", d.Run.Cycles)
}

// defaultKeys lists every leaf key known to setDefaults.
func defaultKeys() []string {
	v := viper.New()
	setDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)
	return keys
}

func validateProfileKeys(p map[string]interface{}) error {
	known := make(map[string]bool)
	for _, key := range defaultKeys() {
		known[key] = true
	}
	for _, key := range flattenKeys("", p) {
		if !known[key] {
			return fmt.Errorf("unknown key '%s'", key)
		}
	}
	return nil
}

func flattenKeys(prefix string, m map[string]interface{}) []string {
	var keys []string
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if sub, ok := val.(map[string]interface{}); ok {
			keys = append(keys, flattenKeys(key, sub)...)
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// BufferLen returns N = sample_rate x duration_seconds.
func (c *Config) BufferLen() int {
	return int(math.Round(float64(c.Audio.SampleRate) * c.Audio.DurationSeconds))
}

// CapturePeriod returns the sampling period truncated to whole microseconds,
// the resolution of the timer service.
func (c *Config) CapturePeriod() time.Duration {
	if c.Audio.SampleRate <= 0 {
		return 0
	}
	return time.Duration(1_000_000/c.Audio.SampleRate) * time.Microsecond
}

// OversampleShift returns log2(oversample).
func (c *Config) OversampleShift() uint {
	return uint(bits.TrailingZeros(uint(c.Audio.Oversample)))
}

// ClockDivider returns the configured divider, or derives one so that the
// output wraps at oversample x sample_rate. Derived dividers are quantised
// to 1/16 like the 8.4 fixed point divider of the output peripheral.
func (c *Config) ClockDivider() float64 {
	if c.Playback.ClockDivider > 0 {
		return c.Playback.ClockDivider
	}
	target := float64(c.Audio.SampleRate) * float64(c.Audio.Oversample) * float64(c.Playback.Wrap+1)
	if target <= 0 {
		return 0
	}
	return math.Round(c.Playback.SystemClockHz/target*16) / 16
}

// CycleRate returns the output wrap frequency in Hz.
func (c *Config) CycleRate() float64 {
	div := c.ClockDivider()
	if div <= 0 {
		return 0
	}
	return c.Playback.SystemClockHz / div / float64(c.Playback.Wrap+1)
}

// Validate checks that the configuration describes a runnable loop.
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("%w: audio.sample_rate must be > 0, got %d", ErrInvalid, c.Audio.SampleRate)
	}
	if c.Audio.DurationSeconds <= 0 {
		return fmt.Errorf("%w: audio.duration_seconds must be > 0, got %.3f", ErrInvalid, c.Audio.DurationSeconds)
	}
	exact := float64(c.Audio.SampleRate) * c.Audio.DurationSeconds
	if n := c.BufferLen(); n < 1 || math.Abs(exact-float64(n)) > 1e-6 {
		return fmt.Errorf("%w: sample_rate x duration_seconds must be a whole number of samples >= 1, got %.3f", ErrInvalid, exact)
	}
	if c.BufferLen() > 1<<24 {
		return fmt.Errorf("%w: buffer of %d samples is too large", ErrInvalid, c.BufferLen())
	}
	if ov := c.Audio.Oversample; ov < 1 || ov > 256 || bits.OnesCount(uint(ov)) != 1 {
		return fmt.Errorf("%w: audio.oversample must be a power of two in [1, 256], got %d", ErrInvalid, ov)
	}

	if err := c.validateCapture(); err != nil {
		return err
	}
	if err := c.validatePlayback(); err != nil {
		return err
	}

	if c.Diagnostics.Enabled && c.Diagnostics.VRef <= 0 {
		return fmt.Errorf("%w: diagnostics.vref must be > 0, got %.2f", ErrInvalid, c.Diagnostics.VRef)
	}

	switch strings.ToLower(c.Sim.Mode) {
	case "paced", "fast", "manual":
	default:
		return fmt.Errorf("%w: sim.mode must be 'paced', 'fast' or 'manual', got: %s", ErrInvalid, c.Sim.Mode)
	}
	if c.Sim.Resolution <= 0 {
		return fmt.Errorf("%w: sim.resolution must be > 0, got %v", ErrInvalid, c.Sim.Resolution)
	}
	if c.Sim.TimerSlots < 1 {
		return fmt.Errorf("%w: sim.timer_slots must be >= 1, capture needs one timer, got %d", ErrInvalid, c.Sim.TimerSlots)
	}
	if c.Run.Cycles < 0 {
		return fmt.Errorf("%w: run.cycles must be >= 0, got %d", ErrInvalid, c.Run.Cycles)
	}
	return nil
}

func (c *Config) validateCapture() error {
	if c.Capture.ADCBits < 8 || c.Capture.ADCBits > 16 {
		return fmt.Errorf("%w: capture.adc_bits must be in [8, 16], got %d", ErrInvalid, c.Capture.ADCBits)
	}

	period := c.CapturePeriod()
	if period <= 0 {
		return fmt.Errorf("%w: sample rate %d Hz is above the 1 MHz timer resolution", ErrInvalid, c.Audio.SampleRate)
	}
	actual := float64(time.Second) / float64(period)
	if relErr := math.Abs(actual-float64(c.Audio.SampleRate)) / float64(c.Audio.SampleRate); relErr > c.Playback.RateTolerance {
		return fmt.Errorf("%w: capture period %v gives %.1f Hz, %.2f%% off %d Hz", ErrInvalid, period, actual, relErr*100, c.Audio.SampleRate)
	}

	maxReading := 1<<c.Capture.ADCBits - 1
	switch strings.ToLower(c.Capture.Source) {
	case "sine":
		if c.Capture.Frequency <= 0 || c.Capture.Frequency >= float64(c.Audio.SampleRate)/2 {
			return fmt.Errorf("%w: capture.frequency must be in (0, %d) Hz, got %.1f", ErrInvalid, c.Audio.SampleRate/2, c.Capture.Frequency)
		}
		if c.Capture.Level < 0 || c.Capture.Level > maxReading {
			return fmt.Errorf("%w: capture.level must be in [0, %d], got %d", ErrInvalid, maxReading, c.Capture.Level)
		}
	case "constant":
		if c.Capture.Level < 0 || c.Capture.Level > maxReading {
			return fmt.Errorf("%w: capture.level must be in [0, %d], got %d", ErrInvalid, maxReading, c.Capture.Level)
		}
	case "mp3":
		if c.Capture.File == "" {
			return fmt.Errorf("%w: capture.file is required for the mp3 source", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: capture.source must be 'sine', 'constant' or 'mp3', got: %s", ErrInvalid, c.Capture.Source)
	}
	return nil
}

func (c *Config) validatePlayback() error {
	p := c.Playback
	if p.SystemClockHz <= 0 {
		return fmt.Errorf("%w: playback.system_clock_hz must be > 0, got %.0f", ErrInvalid, p.SystemClockHz)
	}
	if p.Wrap < 1 || p.Wrap > math.MaxUint16 {
		return fmt.Errorf("%w: playback.wrap must be in [1, 65535], got %d", ErrInvalid, p.Wrap)
	}
	if p.RateTolerance <= 0 || p.RateTolerance >= 0.5 {
		return fmt.Errorf("%w: playback.rate_tolerance must be in (0, 0.5), got %.3f", ErrInvalid, p.RateTolerance)
	}
	if p.InitTimeout <= 0 {
		return fmt.Errorf("%w: playback.init_timeout must be > 0, got %v", ErrInvalid, p.InitTimeout)
	}

	switch strings.ToLower(p.Sink) {
	case "trace", "null", "oto":
	default:
		return fmt.Errorf("%w: playback.sink must be 'trace', 'null' or 'oto', got: %s", ErrInvalid, p.Sink)
	}

	div := c.ClockDivider()
	if div < 1 || div >= 256 {
		return fmt.Errorf("%w: clock divider %.4f out of range [1, 256), adjust playback.wrap or system_clock_hz", ErrInvalid, div)
	}

	// the repeat trick needs the output rate to be an exact multiple of the sample rate
	ratio := c.CycleRate() / float64(c.Audio.SampleRate)
	if math.Abs(ratio/float64(c.Audio.Oversample)-1) > p.RateTolerance {
		return fmt.Errorf("%w: output cycle rate %.1f Hz is %.3f x the sample rate, expected %d x",
			ErrInvalid, c.CycleRate(), ratio, c.Audio.Oversample)
	}
	return nil
}
