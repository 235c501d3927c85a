package net

import (
	"encoding/json"
	"errors"
	nethttp "net/http"
	"time"

	"blockphysics/server/internal/net/intake"
	"blockphysics/server/internal/net/ws"
	"blockphysics/server/internal/observability"
	"blockphysics/server/internal/physics"
	"blockphysics/server/internal/sim"
	"blockphysics/server/internal/telemetry"
	"blockphysics/server/logging"
)

const defaultCommandTimeout = 5 * time.Second

// Core is the physics surface exposed over HTTP.
type Core interface {
	Snapshot() *physics.Snapshot
	Worlds() []string
}

type HTTPHandlerConfig struct {
	Logger   telemetry.Logger
	Metrics  *logging.Metrics
	Commands intake.Queue
	Tick     func() uint64
	TickRate int
	Stream   *ws.Handler
	// Schema renders the configuration JSON schema served at /config/schema.
	Schema func() ([]byte, error)
	// CommandTimeout bounds how long a control request waits for the tick
	// goroutine to apply it.
	CommandTimeout time.Duration
	Now            func() time.Time
	Observability  observability.Config
	// Events reports the event router's delivery counters on /diagnostics.
	Events func() logging.RouterStats
}

func NewHTTPHandler(core Core, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	mux := nethttp.NewServeMux()
	if cfg.Observability.Register(mux) {
		logger.Printf("pprof endpoints mounted at /debug/pprof/")
	}

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		snapshot := core.Snapshot()
		status := "ok"
		for _, world := range snapshotWorlds(snapshot) {
			if world.Fault != "" {
				status = "degraded"
				break
			}
		}
		var metrics map[string]uint64
		if cfg.Metrics != nil {
			metrics = cfg.Metrics.Snapshot()
		}
		observers := 0
		if cfg.Stream != nil {
			observers = cfg.Stream.Sessions()
		}
		var events *logging.RouterStats
		if cfg.Events != nil {
			stats := cfg.Events()
			events = &stats
		}

		payload := struct {
			Status     string               `json:"status"`
			ServerTime int64                `json:"serverTime"`
			TickRate   int                  `json:"tickRate"`
			Observers  int                  `json:"observers"`
			Physics    *physics.Snapshot    `json:"physics"`
			Telemetry  map[string]uint64    `json:"telemetry"`
			Events     *logging.RouterStats `json:"events,omitempty"`
		}{
			Status:     status,
			ServerTime: now().UnixMilli(),
			TickRate:   cfg.TickRate,
			Observers:  observers,
			Physics:    snapshot,
			Telemetry:  metrics,
			Events:     events,
		}
		writeJSON(w, nethttp.StatusOK, payload)
	})

	mux.HandleFunc("/worlds/{name}/{action}", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		var kind sim.CommandType
		switch r.PathValue("action") {
		case "recreate":
			kind = sim.CommandRecreateWorld
		case "unload":
			kind = sim.CommandUnloadWorld
		default:
			httpError(w, "unknown action", nethttp.StatusNotFound)
			return
		}
		name := r.PathValue("name")

		ctx := intake.CommandContext{
			Queue:    cfg.Commands,
			HasWorld: func(world string) bool { return hasWorld(core, world) },
			Tick:     cfg.Tick,
			Now:      now,
		}
		cmd, ok, reason := intake.StageWorldCommand(ctx, kind, name)
		if !ok {
			httpError(w, reason, rejectStatus(reason))
			return
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		var applyErr error
		select {
		case applyErr = <-cmd.Result:
		case <-timer.C:
			logger.Printf("[http] %s %s not applied within %v", cmd.Type, name, timeout)
			httpError(w, "command timed out", nethttp.StatusGatewayTimeout)
			return
		case <-r.Context().Done():
			return
		}
		if applyErr != nil {
			logger.Printf("[http] %s %s failed: %v", cmd.Type, name, applyErr)
			httpError(w, applyErr.Error(), applyStatus(applyErr))
			return
		}

		writeJSON(w, nethttp.StatusOK, struct {
			Status string `json:"status"`
			World  string `json:"world"`
			Action string `json:"action"`
			Tick   uint64 `json:"originTick"`
		}{
			Status: "ok",
			World:  name,
			Action: string(cmd.Type),
			Tick:   cmd.OriginTick,
		})
	})

	if cfg.Schema != nil {
		mux.HandleFunc("/config/schema", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			data, err := cfg.Schema()
			if err != nil {
				httpError(w, "failed to encode", nethttp.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/schema+json")
			w.Write(data)
		})
	}

	if cfg.Stream != nil {
		mux.HandleFunc("/ws", cfg.Stream.Handle)
	}

	return mux
}

func hasWorld(core Core, name string) bool {
	for _, world := range core.Worlds() {
		if world == name {
			return true
		}
	}
	return false
}

func snapshotWorlds(snapshot *physics.Snapshot) []physics.WorldSnapshot {
	if snapshot == nil {
		return nil
	}
	return snapshot.Worlds
}

func rejectStatus(reason string) int {
	switch reason {
	case intake.RejectUnknownWorld:
		return nethttp.StatusNotFound
	case intake.RejectInvalidCommand:
		return nethttp.StatusBadRequest
	default:
		return nethttp.StatusServiceUnavailable
	}
}

func applyStatus(err error) int {
	switch {
	case errors.Is(err, physics.ErrUnknownWorld):
		return nethttp.StatusNotFound
	case errors.Is(err, physics.ErrNotEnabled):
		return nethttp.StatusConflict
	default:
		return nethttp.StatusInternalServerError
	}
}

func writeJSON(w nethttp.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
