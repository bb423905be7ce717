// Package config loads and validates the HCL configuration: one runner
// block plus a table block per configured table.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/lox/tablerunner/internal/coordinator"
	"github.com/lox/tablerunner/internal/geometry"
	"github.com/lox/tablerunner/internal/orchestrator"
	"github.com/lox/tablerunner/internal/pattern"
	"github.com/lox/tablerunner/internal/scheduler"
)

// Config is the complete runner configuration.
type Config struct {
	Runner RunnerSettings `hcl:"runner,block"`
	Tables []TableBlock   `hcl:"table,block"`
}

// RunnerSettings is runner-wide configuration.
type RunnerSettings struct {
	LogLevel    string `hcl:"log_level,optional"`
	Listen      string `hcl:"listen,optional"`
	StorePath   string `hcl:"store_path,optional"`
	Strategy    string `hcl:"strategy,optional"`
	FastMs      int    `hcl:"fast_ms,optional"`
	NormalMs    int    `hcl:"normal_ms,optional"`
	SlowMs      int    `hcl:"slow_ms,optional"`
	CPUThrottle bool   `hcl:"cpu_throttle,optional"`
	// TargetRounds is a global stop condition summed across all tables.
	TargetRounds int `hcl:"target_rounds,optional"`
}

// TableBlock configures one table. The label is the table id (1-6).
type TableBlock struct {
	ID        string       `hcl:"id,label"`
	Rules     string       `hcl:"rules,optional"`
	Region    RegionBlock  `hcl:"region,block"`
	Timer     RegionBlock  `hcl:"timer,block"`
	BlueScore RegionBlock  `hcl:"blue_score,block"`
	RedScore  RegionBlock  `hcl:"red_score,block"`
	Buttons   ButtonsBlock `hcl:"buttons,block"`
}

// RegionBlock is a rectangle in HCL form.
type RegionBlock struct {
	X      int `hcl:"x"`
	Y      int `hcl:"y"`
	Width  int `hcl:"width"`
	Height int `hcl:"height"`
}

func (r RegionBlock) region() geometry.Region {
	return geometry.Region{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

// PointBlock is a point in HCL form.
type PointBlock struct {
	X int `hcl:"x"`
	Y int `hcl:"y"`
}

func (p PointBlock) point() geometry.Point { return geometry.Point{X: p.X, Y: p.Y} }

// ButtonsBlock holds the four click targets, relative to the table
// region.
type ButtonsBlock struct {
	ChooseBlue PointBlock `hcl:"choose_blue,block"`
	ChooseRed  PointBlock `hcl:"choose_red,block"`
	Confirm    PointBlock `hcl:"confirm,block"`
	Cancel     PointBlock `hcl:"cancel,block"`
}

// Default returns the default configuration with no tables.
func Default() *Config {
	return &Config{
		Runner: RunnerSettings{
			LogLevel:    "info",
			Listen:      ":8420",
			StorePath:   "tablerunner.db",
			Strategy:    "fastest",
			FastMs:      100,
			NormalMs:    200,
			SlowMs:      1000,
			CPUThrottle: true,
		},
	}
}

// Load reads the HCL file at path, falling back to defaults when the
// file does not exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config: %s", diags.Error())
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Parse decodes configuration from in-memory HCL, for tests and tools.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config: %s", diags.Error())
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default().Runner
	if c.Runner.LogLevel == "" {
		c.Runner.LogLevel = def.LogLevel
	}
	if c.Runner.Listen == "" {
		c.Runner.Listen = def.Listen
	}
	if c.Runner.StorePath == "" {
		c.Runner.StorePath = def.StorePath
	}
	if c.Runner.Strategy == "" {
		c.Runner.Strategy = def.Strategy
	}
	if c.Runner.FastMs == 0 {
		c.Runner.FastMs = def.FastMs
	}
	if c.Runner.NormalMs == 0 {
		c.Runner.NormalMs = def.NormalMs
	}
	if c.Runner.SlowMs == 0 {
		c.Runner.SlowMs = def.SlowMs
	}
}

// Validate checks ids, geometry and rule grammar.
func (c *Config) Validate() error {
	if _, ok := scheduler.StrategyByName(c.Runner.Strategy); !ok {
		return fmt.Errorf("unknown scheduling strategy %q", c.Runner.Strategy)
	}
	if c.Runner.FastMs <= 0 || c.Runner.NormalMs <= 0 || c.Runner.SlowMs <= 0 {
		return fmt.Errorf("intervals must be positive")
	}

	if len(c.Tables) > coordinator.MaxTables {
		return fmt.Errorf("at most %d tables may be configured, got %d", coordinator.MaxTables, len(c.Tables))
	}

	seen := make(map[int]bool)
	for _, tb := range c.Tables {
		id, err := tb.id()
		if err != nil {
			return err
		}
		if seen[id] {
			return fmt.Errorf("duplicate table id %d", id)
		}
		seen[id] = true

		region := tb.Region.region()
		if region.Width <= 0 || region.Height <= 0 {
			return fmt.Errorf("table %d: region must have positive extent", id)
		}
		for name, sub := range map[string]geometry.Region{
			"timer":      tb.Timer.region(),
			"blue_score": tb.BlueScore.region(),
			"red_score":  tb.RedScore.region(),
		} {
			if err := geometry.ValidateSubRegion(region, sub); err != nil {
				return fmt.Errorf("table %d: %s: %w", id, name, err)
			}
		}

		if _, err := pattern.ParseRules(tb.Rules); err != nil {
			return fmt.Errorf("table %d: %w", id, err)
		}
	}

	return nil
}

func (tb TableBlock) id() (int, error) {
	id, err := strconv.Atoi(tb.ID)
	if err != nil || id < 1 || id > coordinator.MaxTables {
		return 0, fmt.Errorf("table id %q must be an integer between 1 and %d", tb.ID, coordinator.MaxTables)
	}
	return id, nil
}

// Intervals converts the configured milliseconds to scheduler intervals.
func (c *Config) Intervals() scheduler.Intervals {
	return scheduler.Intervals{
		Fast:   time.Duration(c.Runner.FastMs) * time.Millisecond,
		Normal: time.Duration(c.Runner.NormalMs) * time.Millisecond,
		Slow:   time.Duration(c.Runner.SlowMs) * time.Millisecond,
	}
}

// TableConfig converts one block to the orchestrator's form. The config
// must have passed Validate.
func (tb TableBlock) TableConfig() (orchestrator.TableConfig, pattern.RuleSet, error) {
	id, err := tb.id()
	if err != nil {
		return orchestrator.TableConfig{}, pattern.RuleSet{}, err
	}
	rules, err := pattern.ParseRules(tb.Rules)
	if err != nil {
		return orchestrator.TableConfig{}, pattern.RuleSet{}, err
	}
	return orchestrator.TableConfig{
		ID:              id,
		Region:          tb.Region.region(),
		TimerRegion:     tb.Timer.region(),
		BlueScoreRegion: tb.BlueScore.region(),
		RedScoreRegion:  tb.RedScore.region(),
		Buttons: geometry.ButtonLayout{
			ChooseBlue: tb.Buttons.ChooseBlue.point(),
			ChooseRed:  tb.Buttons.ChooseRed.point(),
			Confirm:    tb.Buttons.Confirm.point(),
			Cancel:     tb.Buttons.Cancel.point(),
		},
	}, rules, nil
}
