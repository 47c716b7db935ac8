package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file accepted by Load.
const MaxConfigFileBytes = 1 << 20

// DefaultTowardMax is the commissioned DIR level that moves each axis
// toward its max switch. Y's two motors face each other, so Y runs toward
// max on LOW; Z's max end is the top of travel.
var DefaultTowardMax = map[string]string{
	"x": "high",
	"y": "low",
	"z": "low",
}

// AxisConfig holds the wiring and calibration of one logical axis.
type AxisConfig struct {
	StepPins    []int   `yaml:"step_pins"`     // one per motor; Y lists both
	DirPins     []int   `yaml:"dir_pins"`      // same order as step_pins
	EnablePin   int     `yaml:"enable_pin"`    // A4988 ENABLE pin. 0 = not used. Active LOW.
	StepsPerMm  float64 `yaml:"steps_per_mm"`  // microsteps per millimeter of carriage travel
	MinPin      int     `yaml:"min_pin"`       // min limit switch input
	MaxPin      int     `yaml:"max_pin"`       // max limit switch input
	TowardMax   string  `yaml:"toward_max"`    // DIR level toward the max switch: "high" or "low"
	FastDelayUs int     `yaml:"fast_delay_us"` // per-axis override of motion.fast_delay_us
	SlowDelayUs int     `yaml:"slow_delay_us"` // per-axis override of motion.slow_delay_us
}

// AxesConfig groups the three axes.
type AxesConfig struct {
	X AxisConfig `yaml:"x"`
	Y AxisConfig `yaml:"y"`
	Z AxisConfig `yaml:"z"`
}

// MotionConfig holds pulse timing and pick/place offsets.
type MotionConfig struct {
	FastDelayUs    int     `yaml:"fast_delay_us"`    // pulse half period for open travel
	SlowDelayUs    int     `yaml:"slow_delay_us"`    // pulse half period for backoff / fine moves
	DirSettleMs    int     `yaml:"dir_settle_ms"`    // wait after setting DIR
	SettleMs       int     `yaml:"settle_ms"`        // pause between pick/place steps
	AttachOffsetMm float64 `yaml:"attach_offset_mm"` // attach height below max usable height
	PlaceOffsetMm  float64 `yaml:"place_offset_mm"`  // place height above release height
}

// HomingConfig tunes the homing sequence.
type HomingConfig struct {
	BackoffMm      float64 `yaml:"backoff_mm"`       // retreat after a switch closes
	MaxTravelMm    float64 `yaml:"max_travel_mm"`    // seek ceiling per boundary
	ConfirmDelayMs int     `yaml:"confirm_delay_ms"` // settle between the two confirming reads
	PhasePauseMs   int     `yaml:"phase_pause_ms"`   // pause between phases
	ZMaxMarginMm   float64 `yaml:"z_max_margin_mm"`  // max usable height = z max - margin
	ZMinMarginMm   float64 `yaml:"z_min_margin_mm"`  // release height = z min + margin
	Policy         string  `yaml:"policy"`           // "abort" or "continue" after a failed axis
	YFirst         string  `yaml:"y_first"`          // boundary Y seeks first: "max" or "min"
}

// LimitsConfig describes switch electrics.
type LimitsConfig struct {
	TriggeredLevel string `yaml:"triggered_level"` // level of a closed switch: "low" (pull-up) or "high"
}

// BoardConfig describes the checkers board and its calibration.
type BoardConfig struct {
	Squares         int     `yaml:"squares"`          // squares per side
	SizeMm          float64 `yaml:"size_mm"`          // physical board edge, for the fixed strategy
	CalibrationPath string  `yaml:"calibration_path"` // saved calibration record
	Strategy        string  `yaml:"strategy"`         // used when no record is saved: "limits" or "fixed"
}

// RemoteConfig configures the command transports.
type RemoteConfig struct {
	Listen     string `yaml:"listen"`      // TCP address, e.g. ":9999". Empty disables TCP.
	SerialPort string `yaml:"serial_port"` // e.g. /dev/ttyUSB0. Empty disables serial.
	SerialBaud int    `yaml:"serial_baud"`
}

// SimConfig places the simulated switches (gpio_backend: sim).
type SimConfig struct {
	XTravelMm     float64 `yaml:"x_travel_mm"`
	YTravelMm     float64 `yaml:"y_travel_mm"`
	ZTravelMm     float64 `yaml:"z_travel_mm"`
	StartOffsetMm float64 `yaml:"start_offset_mm"` // power-on distance above each min switch
}

// DefaultsConfig contains process-wide parameters.
type DefaultsConfig struct {
	DebugLevel  int    `yaml:"debug_level"`  // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	GPIOBackend string `yaml:"gpio_backend"` // "rpio", "periph", "mock" or "sim"
	WebPort     int    `yaml:"web_port"`     // 0 = web console disabled unless -web is given
	SkipHoming  bool   `yaml:"skip_homing"`  // start without homing; every move is rejected until HOME
}

// Config aggregates all application configuration.
type Config struct {
	Axes     AxesConfig     `yaml:"axes"`
	Motion   MotionConfig   `yaml:"motion"`
	Homing   HomingConfig   `yaml:"homing"`
	Limits   LimitsConfig   `yaml:"limits"`
	Board    BoardConfig    `yaml:"board"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sim      SimConfig      `yaml:"sim"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files that live directly in a
// directory named "configs", with no ".." components.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return errors.Errorf("config path %q must not contain ..", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return errors.Errorf("config path %q must end in .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return errors.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat config file")
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, errors.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal yaml")
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for name, ax := range c.axesByName() {
		if ax.TowardMax == "" {
			ax.TowardMax = DefaultTowardMax[name]
		}
	}

	if c.Motion.FastDelayUs <= 0 {
		c.Motion.FastDelayUs = 200
	}
	if c.Motion.SlowDelayUs <= 0 {
		c.Motion.SlowDelayUs = 500
	}
	if c.Motion.DirSettleMs <= 0 {
		c.Motion.DirSettleMs = 10
	}
	if c.Motion.SettleMs <= 0 {
		c.Motion.SettleMs = 300
	}
	if c.Motion.AttachOffsetMm <= 0 {
		c.Motion.AttachOffsetMm = 2
	}
	if c.Motion.PlaceOffsetMm <= 0 {
		c.Motion.PlaceOffsetMm = 2
	}

	if c.Homing.BackoffMm <= 0 {
		c.Homing.BackoffMm = 10
	}
	if c.Homing.MaxTravelMm <= 0 {
		c.Homing.MaxTravelMm = 2000
	}
	if c.Homing.ConfirmDelayMs <= 0 {
		c.Homing.ConfirmDelayMs = 10
	}
	if c.Homing.PhasePauseMs <= 0 {
		c.Homing.PhasePauseMs = 500
	}
	if c.Homing.ZMaxMarginMm <= 0 {
		c.Homing.ZMaxMarginMm = 1
	}
	if c.Homing.ZMinMarginMm <= 0 {
		c.Homing.ZMinMarginMm = 5
	}
	if c.Homing.Policy == "" {
		c.Homing.Policy = "continue"
	}
	if c.Homing.YFirst == "" {
		c.Homing.YFirst = "max"
	}

	if c.Limits.TriggeredLevel == "" {
		c.Limits.TriggeredLevel = "low"
	}

	if c.Board.Squares <= 0 {
		c.Board.Squares = 8
	}
	if c.Board.SizeMm <= 0 {
		c.Board.SizeMm = 300
	}
	if c.Board.CalibrationPath == "" {
		c.Board.CalibrationPath = "calibration.yaml"
	}
	if c.Board.Strategy == "" {
		c.Board.Strategy = "limits"
	}

	if c.Remote.SerialBaud <= 0 {
		c.Remote.SerialBaud = 115200
	}

	if c.Sim.XTravelMm <= 0 {
		c.Sim.XTravelMm = 320
	}
	if c.Sim.YTravelMm <= 0 {
		c.Sim.YTravelMm = 320
	}
	if c.Sim.ZTravelMm <= 0 {
		c.Sim.ZTravelMm = 60
	}
	if c.Sim.StartOffsetMm <= 0 {
		c.Sim.StartOffsetMm = 20
	}

	if c.Defaults.GPIOBackend == "" {
		c.Defaults.GPIOBackend = "mock"
	}
}

func (c *Config) axesByName() map[string]*AxisConfig {
	return map[string]*AxisConfig{"x": &c.Axes.X, "y": &c.Axes.Y, "z": &c.Axes.Z}
}

func (c *Config) validate() error {
	for _, name := range []string{"x", "y", "z"} {
		ax := c.axesByName()[name]
		if len(ax.StepPins) == 0 {
			return errors.Errorf("axes.%s.step_pins is required", name)
		}
		if len(ax.StepPins) != len(ax.DirPins) {
			return errors.Errorf("axes.%s: %d step_pins but %d dir_pins", name, len(ax.StepPins), len(ax.DirPins))
		}
		if ax.StepsPerMm <= 0 || math.IsNaN(ax.StepsPerMm) || math.IsInf(ax.StepsPerMm, 0) {
			return errors.Errorf("axes.%s.steps_per_mm must be > 0", name)
		}
		if ax.MinPin <= 0 || ax.MaxPin <= 0 {
			return errors.Errorf("axes.%s.min_pin and max_pin are required", name)
		}
		if ax.MinPin == ax.MaxPin {
			return errors.Errorf("axes.%s: min_pin and max_pin must differ", name)
		}
		if !isLevel(ax.TowardMax) {
			return errors.Errorf("axes.%s.toward_max must be high or low, got %q", name, ax.TowardMax)
		}
	}
	if len(c.Axes.X.StepPins) != 1 || len(c.Axes.Z.StepPins) != 1 {
		return errors.New("axes.x and axes.z drive exactly one motor")
	}

	if c.Motion.SlowDelayUs < c.Motion.FastDelayUs {
		return errors.Errorf("motion.slow_delay_us (%d) must be >= fast_delay_us (%d)", c.Motion.SlowDelayUs, c.Motion.FastDelayUs)
	}
	if c.Homing.BackoffMm >= c.Homing.MaxTravelMm {
		return errors.Errorf("homing.backoff_mm must be < max_travel_mm, got %.2f", c.Homing.BackoffMm)
	}
	switch c.Homing.Policy {
	case "abort", "continue":
	default:
		return errors.Errorf("homing.policy must be abort or continue, got %q", c.Homing.Policy)
	}
	switch c.Homing.YFirst {
	case "max", "min":
	default:
		return errors.Errorf("homing.y_first must be max or min, got %q", c.Homing.YFirst)
	}
	if !isLevel(c.Limits.TriggeredLevel) {
		return errors.Errorf("limits.triggered_level must be high or low, got %q", c.Limits.TriggeredLevel)
	}
	switch c.Board.Strategy {
	case "limits", "fixed":
	default:
		return errors.Errorf("board.strategy must be limits or fixed, got %q", c.Board.Strategy)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return errors.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	switch c.Defaults.GPIOBackend {
	case "mock", "rpio", "periph", "sim":
	default:
		return errors.Errorf("defaults.gpio_backend %q is not supported", c.Defaults.GPIOBackend)
	}
	if c.Defaults.WebPort < 0 || c.Defaults.WebPort > 65535 {
		return errors.Errorf("defaults.web_port must be 0-65535, got %d", c.Defaults.WebPort)
	}
	return nil
}

func isLevel(s string) bool {
	return s == "high" || s == "low"
}

func us(n int) time.Duration { return time.Duration(n) * time.Microsecond }

// FastDelay returns the fast-tier pulse half period for an axis.
func (c *Config) FastDelay(ax AxisConfig) time.Duration {
	if ax.FastDelayUs > 0 {
		return us(ax.FastDelayUs)
	}
	return us(c.Motion.FastDelayUs)
}

// SlowDelay returns the slow-tier pulse half period for an axis.
func (c *Config) SlowDelay(ax AxisConfig) time.Duration {
	if ax.SlowDelayUs > 0 {
		return us(ax.SlowDelayUs)
	}
	return us(c.Motion.SlowDelayUs)
}

// DirSettle returns the wait after setting DIR.
func (c *Config) DirSettle() time.Duration {
	return time.Duration(c.Motion.DirSettleMs) * time.Millisecond
}

// Settle returns the pause between pick/place steps.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.Motion.SettleMs) * time.Millisecond
}

// ConfirmDelay returns the settle between two confirming switch reads.
func (c *Config) ConfirmDelay() time.Duration {
	return time.Duration(c.Homing.ConfirmDelayMs) * time.Millisecond
}

// PhasePause returns the pause between homing phases.
func (c *Config) PhasePause() time.Duration {
	return time.Duration(c.Homing.PhasePauseMs) * time.Millisecond
}
