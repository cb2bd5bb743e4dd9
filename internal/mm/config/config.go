// Package config resolves the operator-visible configuration surface into
// one immutable value at start-up: built-in defaults, then a .env file,
// then process environment variables, last writer winning.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the process-wide set of operator knobs, built once at start-up
// and passed by reference into the driver. Per-module overrides (voltage,
// frequency table) live as fields on the registry slot instead, seeded from
// here only at discovery time.
type Config struct {
	// Transport selection.
	UseUSB    bool
	I2CBus    string // e.g. "/dev/i2c-1", only when UseUSB is false.
	AUCClock  uint32
	AUCXDelay uint32

	PollingDelayMS int // 1..65535

	FanMin int // 0..100
	FanMax int // 0..100, FanMin <= FanMax

	VoltageLevel       int // generation-domain bounded at apply time
	VoltageLevelOffset int // -2..1

	// PLLFreqs overrides the device-model table's per-PLL frequency
	// defaults; zero entries keep the table value. Bounded per generation
	// at apply time.
	PLLFreqs []uint32

	SmartSpeedEnabled bool

	// OTPReadASIC selects which ASIC index LC3 modules report their OTP
	// lot-id from; -1 keeps the firmware default of ASIC 0.
	OTPReadASIC int

	ControlAddr  string // gin control-surface listen address, "" disables it
	TraceEnabled bool
}

// Default returns the built-in defaults the original driver ships with
// before any .env or environment override is applied.
func Default() Config {
	return Config{
		UseUSB:             true,
		AUCClock:           400000,
		AUCXDelay:          9600,
		PollingDelayMS:     20,
		FanMin:             5,
		FanMax:             100,
		VoltageLevel:       0,
		VoltageLevelOffset: 0,
		SmartSpeedEnabled:  true,
		OTPReadASIC:        -1,
		ControlAddr:        "",
		TraceEnabled:       false,
	}
}

var (
	loaded     *Config
	loadedOnce bool
)

// Load resolves the configuration once per process: start from Default,
// apply a .env file found by walking up from the working directory, then
// apply process environment variables, in that order. Subsequent calls
// return the cached value.
func Load() *Config {
	if loaded != nil && loadedOnce {
		return loaded
	}

	cfg := Default()

	root := findProjectRoot()
	if data, err := os.ReadFile(filepath.Join(root, ".env")); err == nil {
		applyEnvFile(string(data), &cfg)
	}
	applyEnviron(&cfg)

	loaded = &cfg
	loadedOnce = true
	return loaded
}

func applyEnvFile(content string, cfg *Config) {
	env := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	applyMap(env, cfg)
}

func applyEnviron(cfg *Config) {
	env := map[string]string{}
	for _, key := range []string{
		"MM_USE_USB", "MM_I2C_BUS", "MM_AUC_CLOCK", "MM_AUC_XDELAY",
		"MM_POLLING_DELAY_MS", "MM_FAN_MIN", "MM_FAN_MAX",
		"MM_VOLTAGE_LEVEL", "MM_VOLTAGE_LEVEL_OFFSET", "MM_PLL_FREQS",
		"MM_SMART_SPEED", "MM_OTP_READ_ASIC", "MM_CONTROL_ADDR", "MM_TRACE",
	} {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	applyMap(env, cfg)
}

func applyMap(env map[string]string, cfg *Config) {
	if v, ok := env["MM_USE_USB"]; ok {
		cfg.UseUSB = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := env["MM_I2C_BUS"]; ok {
		cfg.I2CBus = v
	}
	if v, ok := env["MM_AUC_CLOCK"]; ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.AUCClock = uint32(n)
		}
	}
	if v, ok := env["MM_AUC_XDELAY"]; ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.AUCXDelay = uint32(n)
		}
	}
	if v, ok := env["MM_POLLING_DELAY_MS"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollingDelayMS = n
		}
	}
	if v, ok := env["MM_FAN_MIN"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FanMin = n
		}
	}
	if v, ok := env["MM_FAN_MAX"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FanMax = n
		}
	}
	if v, ok := env["MM_VOLTAGE_LEVEL"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VoltageLevel = n
		}
	}
	if v, ok := env["MM_VOLTAGE_LEVEL_OFFSET"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VoltageLevelOffset = n
		}
	}
	if v, ok := env["MM_PLL_FREQS"]; ok {
		var freqs []uint32
		for _, part := range strings.Split(v, ",") {
			n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
			if err != nil {
				freqs = nil
				break
			}
			freqs = append(freqs, uint32(n))
		}
		if freqs != nil {
			cfg.PLLFreqs = freqs
		}
	}
	if v, ok := env["MM_SMART_SPEED"]; ok {
		cfg.SmartSpeedEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := env["MM_OTP_READ_ASIC"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OTPReadASIC = n
		}
	}
	if v, ok := env["MM_CONTROL_ADDR"]; ok {
		cfg.ControlAddr = v
	}
	if v, ok := env["MM_TRACE"]; ok {
		cfg.TraceEnabled = v == "1" || strings.EqualFold(v, "true")
	}
}

func findProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// Clamp bounds the fan, voltage, and polling-delay fields the same way the
// original driver's opt_avalon9_* range checks do at flag-parse time.
func (c *Config) Clamp() {
	if c.PollingDelayMS < 1 {
		c.PollingDelayMS = 1
	}
	if c.PollingDelayMS > 65535 {
		c.PollingDelayMS = 65535
	}
	if c.FanMin < 0 {
		c.FanMin = 0
	}
	if c.FanMax > 100 {
		c.FanMax = 100
	}
	if c.FanMin > c.FanMax {
		c.FanMin = c.FanMax
	}
	if c.VoltageLevelOffset < -2 {
		c.VoltageLevelOffset = -2
	}
	if c.VoltageLevelOffset > 1 {
		c.VoltageLevelOffset = 1
	}
}
