package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/tablerunner/internal/geometry"
)

const validConfig = `
runner {
  log_level     = "debug"
  listen        = ":9000"
  strategy      = "majority"
  fast_ms       = 50
  target_rounds = 100
}

table "1" {
  rules = "BBP-P;BPB-B"

  region     { x = 178  y = 336 width = 420 height = 260 }
  timer      { x = 20   y = 10  width = 40  height = 24 }
  blue_score { x = 60   y = 220 width = 36  height = 24 }
  red_score  { x = 320  y = 220 width = 36  height = 24 }

  buttons {
    choose_blue { x = 90  y = 180 }
    choose_red  { x = 300 y = 180 }
    confirm     { x = 195 y = 210 }
    cancel      { x = 230 y = 210 }
  }
}
`

func mustParse(t *testing.T, src string) *Config {
	t.Helper()
	cfg, err := Parse([]byte(src), "test.hcl")
	require.NoError(t, err)
	return cfg
}

func TestParse_Valid(t *testing.T) {
	cfg := mustParse(t, validConfig)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Runner.LogLevel)
	assert.Equal(t, ":9000", cfg.Runner.Listen)
	assert.Equal(t, "majority", cfg.Runner.Strategy)
	assert.Equal(t, 100, cfg.Runner.TargetRounds)

	// Unset settings fall back to defaults.
	assert.Equal(t, "tablerunner.db", cfg.Runner.StorePath)
	assert.Equal(t, 200, cfg.Runner.NormalMs)

	iv := cfg.Intervals()
	assert.Equal(t, 50*time.Millisecond, iv.Fast)
	assert.Equal(t, time.Second, iv.Slow)

	require.Len(t, cfg.Tables, 1)
	tc, rules, err := cfg.Tables[0].TableConfig()
	require.NoError(t, err)
	assert.Equal(t, 1, tc.ID)
	assert.Equal(t, geometry.Region{X: 178, Y: 336, Width: 420, Height: 260}, tc.Region)
	assert.Equal(t, geometry.Point{X: 90, Y: 180}, tc.Buttons.ChooseBlue)
	assert.Equal(t, "BBP-P;BPB-B", rules.String())
}

func TestValidate_BadStrategy(t *testing.T) {
	cfg := mustParse(t, `
runner { strategy = "psychic" }
`)
	assert.ErrorContains(t, cfg.Validate(), "strategy")
}

func TestValidate_BadTableID(t *testing.T) {
	cfg := mustParse(t, `
runner {}
table "7" {
  region     { x = 0 y = 0 width = 100 height = 100 }
  timer      { x = 0 y = 0 width = 10 height = 10 }
  blue_score { x = 0 y = 0 width = 10 height = 10 }
  red_score  { x = 0 y = 0 width = 10 height = 10 }
  buttons {
    choose_blue { x = 0 y = 0 }
    choose_red  { x = 0 y = 0 }
    confirm     { x = 0 y = 0 }
    cancel      { x = 0 y = 0 }
  }
}
`)
	assert.ErrorContains(t, cfg.Validate(), "table id")
}

func TestValidate_DuplicateTableID(t *testing.T) {
	block := `
table "1" {
  region     { x = 0 y = 0 width = 100 height = 100 }
  timer      { x = 0 y = 0 width = 10 height = 10 }
  blue_score { x = 0 y = 0 width = 10 height = 10 }
  red_score  { x = 0 y = 0 width = 10 height = 10 }
  buttons {
    choose_blue { x = 0 y = 0 }
    choose_red  { x = 0 y = 0 }
    confirm     { x = 0 y = 0 }
    cancel      { x = 0 y = 0 }
  }
}
`
	cfg := mustParse(t, "runner {}\n"+block+block)
	assert.ErrorContains(t, cfg.Validate(), "duplicate table id")
}

func TestValidate_SubRegionOutsideRegion(t *testing.T) {
	cfg := mustParse(t, `
runner {}
table "1" {
  region     { x = 0 y = 0 width = 100 height = 100 }
  timer      { x = 95 y = 0 width = 10 height = 10 }
  blue_score { x = 0 y = 0 width = 10 height = 10 }
  red_score  { x = 0 y = 0 width = 10 height = 10 }
  buttons {
    choose_blue { x = 0 y = 0 }
    choose_red  { x = 0 y = 0 }
    confirm     { x = 0 y = 0 }
    cancel      { x = 0 y = 0 }
  }
}
`)
	assert.ErrorContains(t, cfg.Validate(), "timer")
}

func TestValidate_BadRules(t *testing.T) {
	cfg := mustParse(t, `
runner {}
table "1" {
  rules = "XX-Y"
  region     { x = 0 y = 0 width = 100 height = 100 }
  timer      { x = 0 y = 0 width = 10 height = 10 }
  blue_score { x = 0 y = 0 width = 10 height = 10 }
  red_score  { x = 0 y = 0 width = 10 height = 10 }
  buttons {
    choose_blue { x = 0 y = 0 }
    choose_red  { x = 0 y = 0 }
    confirm     { x = 0 y = 0 }
    cancel      { x = 0 y = 0 }
  }
}
`)
	assert.Error(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("does-not-exist.hcl")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Runner.LogLevel)
	assert.Equal(t, ":8420", cfg.Runner.Listen)
	assert.Equal(t, "fastest", cfg.Runner.Strategy)
	assert.Empty(t, cfg.Tables)
	assert.NoError(t, cfg.Validate())
}
