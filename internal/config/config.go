// Package config loads the server configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"gopkg.in/yaml.v3"

	"blockphysics/server/internal/observability"
	"blockphysics/server/internal/physics"
	"blockphysics/server/internal/sim"
	"blockphysics/server/internal/telemetry"
	"blockphysics/server/logging"
)

// Config is the root of the configuration file.
type Config struct {
	Engine  EngineConfig  `yaml:"engine" json:"engine" jsonschema:"description=Native physics backend selection"`
	Tick    TickConfig    `yaml:"tick" json:"tick" jsonschema:"description=Host tick loop and fixed timestep"`
	Physics PhysicsConfig `yaml:"physics" json:"physics"`
	Terrain TerrainConfig `yaml:"terrain" json:"terrain" jsonschema:"description=Static bodies for world blocks"`
	Effects EffectsConfig `yaml:"effects" json:"effects" jsonschema:"description=Contact impulse thresholds for gameplay effects"`
	Bodies  BodiesConfig  `yaml:"bodies" json:"bodies"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Demo    DemoConfig    `yaml:"demo" json:"demo" jsonschema:"description=Sandbox world used when no game server is attached"`
}

type EngineConfig struct {
	Backend            string `yaml:"backend" json:"backend" jsonschema:"title=Backend,description=Registered engine backend name,default=reference"`
	VelocityIterations int    `yaml:"velocity_iterations" json:"velocity_iterations" jsonschema:"minimum=1,default=4"`
	PositionIterations int    `yaml:"position_iterations" json:"position_iterations" jsonschema:"minimum=1,default=1"`
}

type TickConfig struct {
	Rate            int `yaml:"rate" json:"rate" jsonschema:"title=Host tick rate,description=Host ticks per second,minimum=1,default=20"`
	StepRate        int `yaml:"step_rate" json:"step_rate" jsonschema:"title=Physics step rate,description=Fixed physics steps per second,minimum=1,default=60"`
	MaxStepsPerTick int `yaml:"max_steps_per_tick" json:"max_steps_per_tick" jsonschema:"minimum=1,default=8"`
	CatchupMaxTicks int `yaml:"catchup_max_ticks" json:"catchup_max_ticks" jsonschema:"description=Largest host delta in ticks before it is clamped,minimum=1,default=3"`
	CommandQueue    int `yaml:"command_queue" json:"command_queue" jsonschema:"minimum=1,default=64"`
}

type PhysicsConfig struct {
	Gravity        [3]float64 `yaml:"gravity" json:"gravity" jsonschema:"description=Gravity in blocks per second squared"`
	ImpulseQueue   int        `yaml:"impulse_queue" json:"impulse_queue" jsonschema:"minimum=1,default=1024"`
	BakeQueue      int        `yaml:"bake_queue" json:"bake_queue" jsonschema:"minimum=1,default=64"`
	ResyncEpsilon  float64    `yaml:"resync_epsilon" json:"resync_epsilon" jsonschema:"description=Distance beyond which a host transform counts as moved"`
	DefaultDensity float64    `yaml:"default_density" json:"default_density" jsonschema:"default=1"`
}

type TerrainConfig struct {
	Enabled             bool `yaml:"enabled" json:"enabled" jsonschema:"default=true"`
	ChunkRadius         int  `yaml:"chunk_radius" json:"chunk_radius" jsonschema:"minimum=0,default=1"`
	ReloadIntervalTicks int  `yaml:"reload_interval_ticks" json:"reload_interval_ticks" jsonschema:"minimum=1,default=20"`
}

type EffectsConfig struct {
	Sound            float64  `yaml:"sound" json:"sound" jsonschema:"minimum=0"`
	Damage           float64  `yaml:"damage" json:"damage" jsonschema:"minimum=0"`
	DamagePerImpulse float64  `yaml:"damage_per_impulse" json:"damage_per_impulse" jsonschema:"minimum=0"`
	Break            float64  `yaml:"break" json:"break" jsonschema:"minimum=0"`
	KnockbackScale   float64  `yaml:"knockback_scale" json:"knockback_scale" jsonschema:"minimum=0"`
	ImpactSound      string   `yaml:"impact_sound" json:"impact_sound"`
	Breakable        []string `yaml:"breakable" json:"breakable,omitempty" jsonschema:"description=Block types contacts may break"`
}

type BodiesConfig struct {
	ThrowPower float64 `yaml:"throw_power" json:"throw_power" jsonschema:"description=Velocity change of a default throw,default=12"`
}

type LoggingConfig struct {
	Sinks       []string `yaml:"sinks" json:"sinks" jsonschema:"enum=console,enum=json,enum=nats"`
	Level       string   `yaml:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	BufferSize  int      `yaml:"buffer_size" json:"buffer_size" jsonschema:"minimum=1,default=512"`
	JSONPath    string   `yaml:"json_path" json:"json_path,omitempty"`
	Color       bool     `yaml:"color" json:"color"`
	NATSURL     string   `yaml:"nats_url" json:"nats_url,omitempty"`
	NATSStream  string   `yaml:"nats_stream" json:"nats_stream,omitempty"`
	NATSSubject string   `yaml:"nats_subject" json:"nats_subject,omitempty"`
	Debug       bool     `yaml:"debug" json:"debug" jsonschema:"description=Debug level for the operator logger"`

	CategoryLevels map[string]string   `yaml:"category_levels" json:"category_levels,omitempty" jsonschema:"description=Minimum level per event category"`
	Routes         map[string]LogRoute `yaml:"routes" json:"routes,omitempty" jsonschema:"description=Event filters keyed by sink name"`
}

// LogRoute limits the events one sink receives.
type LogRoute struct {
	Level      string   `yaml:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Categories []string `yaml:"categories" json:"categories,omitempty"`
	Worlds     []string `yaml:"worlds" json:"worlds,omitempty"`
}

type HTTPConfig struct {
	Addr           string               `yaml:"addr" json:"addr" jsonschema:"default=:8080"`
	StreamInterval int                  `yaml:"stream_interval_ticks" json:"stream_interval_ticks" jsonschema:"description=Ticks between websocket snapshots,minimum=1,default=1"`
	Debug          observability.Config `yaml:"debug" json:"debug"`
}

type DemoConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" jsonschema:"default=true"`
	World   string `yaml:"world" json:"world" jsonschema:"default=overworld"`
	Radius  int    `yaml:"radius" json:"radius" jsonschema:"description=Floor radius in chunks,minimum=0,default=2"`
	Crates  int    `yaml:"crates" json:"crates" jsonschema:"minimum=0,default=8"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	phys := physics.DefaultConfig()
	effects := physics.DefaultEffectThresholds()
	logCfg := logging.DefaultConfig()
	return Config{
		Engine: EngineConfig{
			Backend:            "reference",
			VelocityIterations: phys.VelocityIterations,
			PositionIterations: phys.PositionIterations,
		},
		Tick: TickConfig{
			Rate:            20,
			StepRate:        60,
			MaxStepsPerTick: phys.MaxStepsPerTick,
			CatchupMaxTicks: 3,
			CommandQueue:    64,
		},
		Physics: PhysicsConfig{
			Gravity:        [3]float64(phys.Gravity),
			ImpulseQueue:   phys.ImpulseQueue,
			BakeQueue:      phys.BakeQueue,
			ResyncEpsilon:  phys.ResyncEpsilon,
			DefaultDensity: phys.DefaultDensity,
		},
		Terrain: TerrainConfig{
			Enabled:             phys.Terrain.Enabled,
			ChunkRadius:         phys.Terrain.ChunkRadius,
			ReloadIntervalTicks: phys.Terrain.ReloadIntervalTicks,
		},
		Effects: EffectsConfig{
			Sound:            effects.Sound,
			Damage:           effects.Damage,
			DamagePerImpulse: effects.DamagePerImpulse,
			Break:            effects.Break,
			KnockbackScale:   effects.KnockbackScale,
			ImpactSound:      effects.ImpactSound,
			Breakable:        []string{"glass", "leaves"},
		},
		Bodies: BodiesConfig{ThrowPower: 12},
		Logging: LoggingConfig{
			Sinks:       append([]string(nil), logCfg.EnabledSinks...),
			Level:       logCfg.MinimumSeverity.String(),
			BufferSize:  logCfg.BufferSize,
			Color:       true,
			NATSStream:  logCfg.NATS.Stream,
			NATSSubject: logCfg.NATS.Subject,
			Routes:      logRoutes(logCfg.Routes),
		},
		HTTP: HTTPConfig{Addr: ":8080", StreamInterval: 1},
		Demo: DemoConfig{Enabled: true, World: "overworld", Radius: 2, Crates: 8},
	}
}

// Load reads path over Default, applies BLOCKPHYS_* environment overrides
// and normalizes the result. A missing file is not an error.
func Load(path string, logger telemetry.Logger) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if logger != nil {
				logger.Printf("config file %s not found, using defaults", path)
			}
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv(os.LookupEnv, logger)
	return cfg.Normalized(), nil
}

// Parse decodes YAML over Default without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg.Normalized(), nil
}

// Normalized clamps out of range values back to their defaults.
func (c Config) Normalized() Config {
	def := Default()
	if strings.TrimSpace(c.Engine.Backend) == "" {
		c.Engine.Backend = def.Engine.Backend
	}
	if c.Engine.VelocityIterations < 1 {
		c.Engine.VelocityIterations = def.Engine.VelocityIterations
	}
	if c.Engine.PositionIterations < 1 {
		c.Engine.PositionIterations = def.Engine.PositionIterations
	}
	if c.Tick.Rate < 1 {
		c.Tick.Rate = def.Tick.Rate
	}
	if c.Tick.StepRate < 1 {
		c.Tick.StepRate = def.Tick.StepRate
	}
	if c.Tick.MaxStepsPerTick < 1 {
		c.Tick.MaxStepsPerTick = 1
	}
	if c.Tick.CatchupMaxTicks < 1 {
		c.Tick.CatchupMaxTicks = 1
	}
	if c.Tick.CommandQueue < 1 {
		c.Tick.CommandQueue = def.Tick.CommandQueue
	}
	if c.Physics.ImpulseQueue < 1 {
		c.Physics.ImpulseQueue = def.Physics.ImpulseQueue
	}
	if c.Physics.BakeQueue < 1 {
		c.Physics.BakeQueue = def.Physics.BakeQueue
	}
	if c.Physics.ResyncEpsilon <= 0 {
		c.Physics.ResyncEpsilon = def.Physics.ResyncEpsilon
	}
	if c.Physics.DefaultDensity <= 0 {
		c.Physics.DefaultDensity = def.Physics.DefaultDensity
	}
	if c.Terrain.ChunkRadius < 0 {
		c.Terrain.ChunkRadius = 0
	}
	if c.Terrain.ReloadIntervalTicks < 1 {
		c.Terrain.ReloadIntervalTicks = 1
	}
	if c.Bodies.ThrowPower <= 0 {
		c.Bodies.ThrowPower = def.Bodies.ThrowPower
	}
	if c.Logging.BufferSize < 1 {
		c.Logging.BufferSize = def.Logging.BufferSize
	}
	if len(c.Logging.Sinks) == 0 {
		c.Logging.Sinks = def.Logging.Sinks
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.HTTP.StreamInterval < 1 {
		c.HTTP.StreamInterval = 1
	}
	if c.Demo.World == "" {
		c.Demo.World = def.Demo.World
	}
	if c.Demo.Radius < 0 {
		c.Demo.Radius = 0
	}
	if c.Demo.Crates < 0 {
		c.Demo.Crates = 0
	}
	return c
}

// Timestep is the fixed physics step.
func (c Config) Timestep() time.Duration {
	if c.Tick.StepRate < 1 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.Tick.StepRate)
}

// PhysicsConfig converts to the per-world simulation parameters.
func (c Config) PhysicsConfig() physics.Config {
	return physics.Config{
		Gravity:            mgl64.Vec3(c.Physics.Gravity),
		Timestep:           c.Timestep(),
		MaxStepsPerTick:    c.Tick.MaxStepsPerTick,
		VelocityIterations: c.Engine.VelocityIterations,
		PositionIterations: c.Engine.PositionIterations,
		ImpulseQueue:       c.Physics.ImpulseQueue,
		BakeQueue:          c.Physics.BakeQueue,
		ResyncEpsilon:      c.Physics.ResyncEpsilon,
		DefaultDensity:     c.Physics.DefaultDensity,
		Terrain: physics.TerrainConfig{
			Enabled:             c.Terrain.Enabled,
			ChunkRadius:         c.Terrain.ChunkRadius,
			ReloadIntervalTicks: c.Terrain.ReloadIntervalTicks,
		},
	}
}

// Thresholds converts the effects section.
func (c Config) Thresholds() physics.EffectThresholds {
	return physics.EffectThresholds{
		Sound:            c.Effects.Sound,
		Damage:           c.Effects.Damage,
		DamagePerImpulse: c.Effects.DamagePerImpulse,
		Break:            c.Effects.Break,
		KnockbackScale:   c.Effects.KnockbackScale,
		ImpactSound:      c.Effects.ImpactSound,
	}
}

// Breakable reports whether contacts may break blockType.
func (c Config) Breakable() func(blockType string) bool {
	allowed := make(map[string]struct{}, len(c.Effects.Breakable))
	for _, blockType := range c.Effects.Breakable {
		allowed[blockType] = struct{}{}
	}
	return func(blockType string) bool {
		_, ok := allowed[blockType]
		return ok
	}
}

// LoopConfig converts the tick section.
func (c Config) LoopConfig() sim.LoopConfig {
	return sim.LoopConfig{
		TickRate:        c.Tick.Rate,
		CatchupMaxTicks: c.Tick.CatchupMaxTicks,
		CommandCapacity: c.Tick.CommandQueue,
		WarningStep:     max(1, c.Tick.CommandQueue/4),
	}
}

// LoggingConfig converts the logging section.
func (c Config) LoggingConfig() (logging.Config, error) {
	out := logging.DefaultConfig()
	severity, err := logging.ParseSeverity(c.Logging.Level)
	if err != nil {
		return out, fmt.Errorf("logging level: %w", err)
	}
	out.MinimumSeverity = severity
	out.EnabledSinks = append([]string(nil), c.Logging.Sinks...)
	out.BufferSize = c.Logging.BufferSize
	out.Console.UseColor = c.Logging.Color
	out.JSON.FilePath = c.Logging.JSONPath
	out.NATS.URL = c.Logging.NATSURL
	if c.Logging.NATSStream != "" {
		out.NATS.Stream = c.Logging.NATSStream
	}
	if c.Logging.NATSSubject != "" {
		out.NATS.Subject = c.Logging.NATSSubject
	}
	if len(c.Logging.CategoryLevels) > 0 {
		out.CategorySeverity = make(map[string]logging.Severity, len(c.Logging.CategoryLevels))
		for category, level := range c.Logging.CategoryLevels {
			severity, err := logging.ParseSeverity(level)
			if err != nil {
				return out, fmt.Errorf("logging category %s: %w", category, err)
			}
			out.CategorySeverity[category] = severity
		}
	}
	if c.Logging.Routes != nil {
		out.Routes = make(map[string]logging.Route, len(c.Logging.Routes))
		for sink, route := range c.Logging.Routes {
			severity := logging.SeverityDebug
			if route.Level != "" {
				if severity, err = logging.ParseSeverity(route.Level); err != nil {
					return out, fmt.Errorf("logging route %s: %w", sink, err)
				}
			}
			out.Routes[sink] = logging.Route{
				MinimumSeverity: severity,
				Categories:      append([]string(nil), route.Categories...),
				Worlds:          append([]string(nil), route.Worlds...),
			}
		}
	}
	return out, nil
}

func logRoutes(routes map[string]logging.Route) map[string]LogRoute {
	out := make(map[string]LogRoute, len(routes))
	for sink, route := range routes {
		r := LogRoute{
			Categories: append([]string(nil), route.Categories...),
			Worlds:     append([]string(nil), route.Worlds...),
		}
		if route.MinimumSeverity > logging.SeverityDebug {
			r.Level = route.MinimumSeverity.String()
		}
		out[sink] = r
	}
	return out
}
