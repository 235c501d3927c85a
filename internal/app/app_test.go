package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/df-mc/dragonfly/server/block/cube"

	"blockphysics/server/internal/config"
	"blockphysics/server/internal/host/sandbox"
	"blockphysics/server/internal/physics"
	"blockphysics/server/internal/telemetry"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type diagnostics struct {
	Status  string            `json:"status"`
	Physics *physics.Snapshot `json:"physics"`
}

func startApp(t *testing.T, settings config.Config) (string, *lockedBuffer, func() error) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	out := &lockedBuffer{}
	var logMu sync.Mutex
	var logs []string
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{
			Logger: telemetry.LoggerFunc(func(format string, args ...any) {
				logMu.Lock()
				logs = append(logs, fmt.Sprintf(format, args...))
				logMu.Unlock()
			}),
			Settings: settings,
			Stdout:   out,
			Listener: listener,
			Ready:    func(addr string) { ready <- addr },
		})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("app exited before serving: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("app did not start")
	}

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return fmt.Errorf("app did not stop")
		}
	}
	t.Cleanup(func() { _ = stop() })
	return "http://" + addr, out, stop
}

func fetchDiagnostics(t *testing.T, base string) diagnostics {
	t.Helper()
	resp, err := http.Get(base + "/diagnostics")
	if err != nil {
		t.Fatalf("diagnostics request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read diagnostics: %v", err)
	}
	var payload diagnostics
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode diagnostics %s: %v", body, err)
	}
	return payload
}

func testSettings() config.Config {
	settings := config.Default()
	settings.Tick.Rate = 50
	settings.Demo.Crates = 3
	settings.Demo.Radius = 0
	settings.Logging.Sinks = []string{"console"}
	settings.Logging.Color = false
	return settings.Normalized()
}

func TestRunServesDemoWorld(t *testing.T) {
	base, out, stop := startApp(t, testSettings())

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy server, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		payload := fetchDiagnostics(t, base)
		world, ok := payload.Physics.World("overworld")
		if ok && payload.Physics.Tick > 0 && len(world.Entities) == 3 {
			if world.Terrain == 0 {
				t.Fatalf("expected terrain bodies around the crates, got %+v", world)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected demo crates to be simulated, got %+v", payload.Physics)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := stop(); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if !bytes.Contains([]byte(out.String()), []byte("engine_loaded")) {
		t.Fatalf("expected lifecycle events on the console sink, got %q", out.String())
	}
}

func TestRunWithUnknownBackendStaysUp(t *testing.T) {
	settings := testSettings()
	settings.Engine.Backend = "missing"
	base, _, stop := startApp(t, settings)

	payload := fetchDiagnostics(t, base)
	if payload.Physics != nil && len(payload.Physics.Worlds) != 0 {
		t.Fatalf("expected no physics worlds without an engine, got %+v", payload.Physics)
	}

	resp, err := http.Post(base+"/worlds/overworld/recreate", "application/json", nil)
	if err != nil {
		t.Fatalf("recreate request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a world without physics, got %d", resp.StatusCode)
	}

	if err := stop(); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestBlockBreakNotifierForwards(t *testing.T) {
	world := sandbox.NewWorld("overworld", cube.Range{-64, 319})
	world.SetBlock(cube.Pos{1, 2, 3}, "glass")
	recorder := sandbox.NewRecorder(world)

	var notified []cube.Pos
	effects := blockBreakNotifier{
		Effects: recorder,
		notify: func(name string, pos cube.Pos) {
			if name != "overworld" {
				t.Fatalf("unexpected world %q", name)
			}
			notified = append(notified, pos)
		},
	}
	effects.BreakBlock("overworld", cube.Pos{1, 2, 3})

	if world.Block(cube.Pos{1, 2, 3}) != "air" {
		t.Fatalf("expected block removed from the host world")
	}
	if len(notified) != 1 || notified[0] != (cube.Pos{1, 2, 3}) {
		t.Fatalf("expected one notification, got %v", notified)
	}
}
