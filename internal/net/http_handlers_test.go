package net

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
	_ "blockphysics/server/internal/engine/reference"
	"blockphysics/server/internal/host/sandbox"
	"blockphysics/server/internal/physics"
	"blockphysics/server/internal/sim"
	"blockphysics/server/logging"
)

type fakeCore struct {
	snapshot *physics.Snapshot
	worlds   []string
}

func (f *fakeCore) Snapshot() *physics.Snapshot { return f.snapshot }
func (f *fakeCore) Worlds() []string            { return f.worlds }

type resolvingQueue struct {
	mu       sync.Mutex
	err      error
	hold     bool
	commands []sim.Command
}

func (q *resolvingQueue) Enqueue(cmd sim.Command) (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commands = append(q.commands, cmd)
	if !q.hold {
		cmd.Result <- q.err
	}
	return true, ""
}

func serve(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func TestHTTPHealth(t *testing.T) {
	handler := NewHTTPHandler(&fakeCore{}, HTTPHandlerConfig{})
	resp := serve(t, handler, http.MethodGet, "/health")
	if resp.Code != http.StatusOK || resp.Body.String() != "ok" {
		t.Fatalf("expected ok health, got %d %q", resp.Code, resp.Body.String())
	}
}

func TestHTTPDiagnosticsReportsWorldsAndTelemetry(t *testing.T) {
	metrics := &logging.Metrics{}
	metrics.TelemetryAdd("physics_steps_total", 12)
	core := &fakeCore{snapshot: &physics.Snapshot{
		Tick: 9,
		Worlds: []physics.WorldSnapshot{
			{Name: "overworld", State: "idle", Bodies: 4},
			{Name: "nether", State: "faulted", Fault: "boom"},
		},
	}}
	handler := NewHTTPHandler(core, HTTPHandlerConfig{
		Metrics:  metrics,
		TickRate: 20,
		Events: func() logging.RouterStats {
			return logging.RouterStats{EventsTotal: 5, DroppedTotal: 2, DroppedByCategory: map[string]uint64{"network": 2}}
		},
	})

	resp := serve(t, handler, http.MethodGet, "/diagnostics")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 OK, got %d", resp.Code)
	}
	if contentType := resp.Header().Get("Content-Type"); contentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", contentType)
	}

	var payload struct {
		Status    string              `json:"status"`
		TickRate  int                 `json:"tickRate"`
		Physics   physics.Snapshot    `json:"physics"`
		Telemetry map[string]uint64   `json:"telemetry"`
		Events    logging.RouterStats `json:"events"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode diagnostics payload: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("expected faulted world to degrade status, got %q", payload.Status)
	}
	if payload.TickRate != 20 || payload.Physics.Tick != 9 || len(payload.Physics.Worlds) != 2 {
		t.Fatalf("unexpected diagnostics payload %+v", payload)
	}
	if payload.Telemetry["physics_steps_total"] != 12 {
		t.Fatalf("expected telemetry counters, got %v", payload.Telemetry)
	}
	if payload.Events.EventsTotal != 5 || payload.Events.DroppedByCategory["network"] != 2 {
		t.Fatalf("expected event router stats, got %+v", payload.Events)
	}

	if resp := serve(t, handler, http.MethodPost, "/diagnostics"); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST diagnostics, got %d", resp.Code)
	}
}

func TestHTTPWorldCommands(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		queue  *resolvingQueue
		status int
		queued int
	}{
		{name: "recreate", method: http.MethodPost, path: "/worlds/overworld/recreate", queue: &resolvingQueue{}, status: http.StatusOK, queued: 1},
		{name: "unload", method: http.MethodPost, path: "/worlds/overworld/unload", queue: &resolvingQueue{}, status: http.StatusOK, queued: 1},
		{name: "wrong method", method: http.MethodGet, path: "/worlds/overworld/recreate", queue: &resolvingQueue{}, status: http.StatusMethodNotAllowed},
		{name: "unknown action", method: http.MethodPost, path: "/worlds/overworld/explode", queue: &resolvingQueue{}, status: http.StatusNotFound},
		{name: "unknown world", method: http.MethodPost, path: "/worlds/nether/recreate", queue: &resolvingQueue{}, status: http.StatusNotFound},
		{name: "apply failure", method: http.MethodPost, path: "/worlds/overworld/recreate", queue: &resolvingQueue{err: physics.ErrNotEnabled}, status: http.StatusConflict, queued: 1},
		{name: "apply unknown world", method: http.MethodPost, path: "/worlds/overworld/recreate", queue: &resolvingQueue{err: fmt.Errorf("%w: overworld", physics.ErrUnknownWorld)}, status: http.StatusNotFound, queued: 1},
		{name: "timeout", method: http.MethodPost, path: "/worlds/overworld/recreate", queue: &resolvingQueue{hold: true}, status: http.StatusGatewayTimeout, queued: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHTTPHandler(&fakeCore{worlds: []string{"overworld"}}, HTTPHandlerConfig{
				Commands:       tt.queue,
				Tick:           func() uint64 { return 77 },
				CommandTimeout: 20 * time.Millisecond,
			})
			resp := serve(t, handler, tt.method, tt.path)
			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d (%s)", tt.status, resp.Code, resp.Body.String())
			}
			if len(tt.queue.commands) != tt.queued {
				t.Fatalf("expected %d queued commands, got %d", tt.queued, len(tt.queue.commands))
			}
			if tt.status == http.StatusOK && !strings.Contains(resp.Body.String(), `"originTick":77`) {
				t.Fatalf("expected origin tick in response, got %s", resp.Body.String())
			}
		})
	}
}

func TestHTTPWorldCommandWithoutQueue(t *testing.T) {
	handler := NewHTTPHandler(&fakeCore{worlds: []string{"overworld"}}, HTTPHandlerConfig{})
	resp := serve(t, handler, http.MethodPost, "/worlds/overworld/recreate")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a command queue, got %d", resp.Code)
	}
}

func TestHTTPConfigSchema(t *testing.T) {
	handler := NewHTTPHandler(&fakeCore{}, HTTPHandlerConfig{
		Schema: func() ([]byte, error) { return []byte(`{"title":"x"}`), nil },
	})
	resp := serve(t, handler, http.MethodGet, "/config/schema")
	if resp.Code != http.StatusOK || resp.Body.String() != `{"title":"x"}` {
		t.Fatalf("expected schema body, got %d %q", resp.Code, resp.Body.String())
	}

	failing := NewHTTPHandler(&fakeCore{}, HTTPHandlerConfig{
		Schema: func() ([]byte, error) { return nil, errors.New("boom") },
	})
	if resp := serve(t, failing, http.MethodGet, "/config/schema"); resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on schema failure, got %d", resp.Code)
	}
}

func TestHTTPRecreateRunsOnTickLoop(t *testing.T) {
	world := sandbox.FlatWorld("overworld", 0)
	cfg := physics.DefaultConfig()
	cfg.Terrain.Enabled = false
	manager := physics.NewManager(physics.Options{
		Config:   cfg,
		Server:   sandbox.NewServer(world),
		Geometry: sandbox.NewGeometry(),
		Effects:  sandbox.NewRecorder(world),
	})
	ctx := context.Background()
	if err := manager.OnEnable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	t.Cleanup(func() { _ = manager.OnDisable(ctx) })

	world.Spawn("crate", engine.TransformAt(mgl64.Vec3{0, 5, 0}))
	spec := physics.BodySpec{Kind: engine.BodyDynamic, Bounds: cube.Box(-0.5, 0, -0.5, 0.5, 1, 0.5), Mass: 1}
	if err := manager.OnEntitySpawn(ctx, "overworld", "crate", spec); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	loop := sim.NewLoop(manager, sim.LoopConfig{TickRate: 20}, sim.Deps{}, sim.LoopHooks{})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := uint64(0)
		for {
			select {
			case <-stop:
				return
			default:
			}
			tick++
			loop.Advance(ctx, sim.LoopTickContext{Tick: tick, Now: time.Now(), Delta: 50 * time.Millisecond})
			time.Sleep(2 * time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})

	handler := NewHTTPHandler(manager, HTTPHandlerConfig{Commands: loop, CommandTimeout: 2 * time.Second})
	resp := serve(t, handler, http.MethodPost, "/worlds/overworld/recreate")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected recreate to succeed, got %d (%s)", resp.Code, resp.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, ok := manager.Snapshot().World("overworld")
		if ok && len(snap.Entities) == 1 && snap.Fault == "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the crate to be respawned in the recreated world, got %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
