package config

import (
	"strconv"
	"strings"

	"blockphysics/server/internal/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BLOCKPHYS_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from the environment. Values that fail to parse
// are logged and ignored.
func (c *Config) ApplyEnv(lookup LookupFunc, logger telemetry.Logger) {
	if c == nil || lookup == nil {
		return
	}
	e := envReader{lookup: lookup, logger: logger}

	e.str("ENGINE", &c.Engine.Backend)
	e.integer("TICK_RATE", &c.Tick.Rate)
	e.integer("STEP_RATE", &c.Tick.StepRate)
	e.integer("MAX_STEPS_PER_TICK", &c.Tick.MaxStepsPerTick)
	e.integer("CATCHUP_MAX_TICKS", &c.Tick.CatchupMaxTicks)
	e.float("GRAVITY_Y", &c.Physics.Gravity[1])
	e.integer("IMPULSE_QUEUE", &c.Physics.ImpulseQueue)
	e.boolean("TERRAIN", &c.Terrain.Enabled)
	e.integer("CHUNK_RADIUS", &c.Terrain.ChunkRadius)
	e.integer("RELOAD_INTERVAL_TICKS", &c.Terrain.ReloadIntervalTicks)
	e.list("LOG_SINKS", &c.Logging.Sinks)
	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_JSON_PATH", &c.Logging.JSONPath)
	e.boolean("LOG_DEBUG", &c.Logging.Debug)
	e.str("NATS_URL", &c.Logging.NATSURL)
	e.str("HTTP_ADDR", &c.HTTP.Addr)
	e.boolean("PPROF", &c.HTTP.Debug.EnablePprofTrace)
	e.boolean("DEMO", &c.Demo.Enabled)
	e.integer("DEMO_CRATES", &c.Demo.Crates)
}

type envReader struct {
	lookup LookupFunc
	logger telemetry.Logger
}

func (e envReader) raw(name string) (string, string, bool) {
	key := EnvPrefix + name
	value, ok := e.lookup(key)
	if !ok {
		return key, "", false
	}
	value = strings.TrimSpace(value)
	return key, value, value != ""
}

func (e envReader) invalid(key, raw string, err error) {
	if e.logger != nil {
		e.logger.Printf("invalid %s=%q: %v", key, raw, err)
	}
}

func (e envReader) str(name string, dst *string) {
	if _, value, ok := e.raw(name); ok {
		*dst = value
	}
}

func (e envReader) integer(name string, dst *int) {
	key, value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		e.invalid(key, value, err)
		return
	}
	*dst = parsed
}

func (e envReader) float(name string, dst *float64) {
	key, value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.invalid(key, value, err)
		return
	}
	*dst = parsed
}

func (e envReader) boolean(name string, dst *bool) {
	key, value, ok := e.raw(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		e.invalid(key, value, err)
		return
	}
	*dst = parsed
}

func (e envReader) list(name string, dst *[]string) {
	_, value, ok := e.raw(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
