package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zapcore"
)

// testHome points the profile tree at a short temp dir. Unix socket paths
// are limited to ~104 bytes on macOS, so t.TempDir is too long.
func testHome(t *testing.T) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir, err := os.MkdirTemp("/tmp", "chatsync-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(profile.HomeEnv, dir)
}

func testParams(userID string) Params {
	cfg := config.Default()
	cfg.UserID = userID
	cfg.Sync.ProbeInterval = config.Duration{Duration: 20 * time.Millisecond}
	return Params{Profile: "test", Config: cfg, LogLevel: zapcore.ErrorLevel}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	testHome(t)
	if err := fx.ValidateApp(Module(testParams("a1")), fx.NopLogger); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)
	app := fxtest.New(t, Module(testParams("a1")), fx.NopLogger)
	app.RequireStart()

	c := client.New(profile.SocketPath("test"))
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Profile != "test" || st.UserID != "a1" {
		t.Errorf("status = %+v", st)
	}

	// The probe marks the in-process remote reachable shortly after start.
	deadline := time.Now().Add(3 * time.Second)
	for !st.Online && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		if st, err = c.Status(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if !st.Online {
		t.Error("daemon never went online")
	}

	// Nobody else exists on the private in-process remote.
	_, err = c.Open(ctx, "b1")
	var apiErr *client.Error
	if !errors.As(err, &apiErr) || apiErr.Code != api.CodeNotFound {
		t.Errorf("Open(b1) error = %v, want %s", err, api.CodeNotFound)
	}

	_, err = c.Send(ctx, "a1_b1", "hi")
	if !errors.As(err, &apiErr) || apiErr.Code != api.CodeNotFound {
		t.Errorf("Send() error = %v, want %s", err, api.CodeNotFound)
	}

	if _, err := c.Sync(ctx); err != nil {
		t.Errorf("Sync() error = %v", err)
	}

	app.RequireStop()

	if _, err := os.Stat(profile.SocketPath("test")); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
	// The lock must be free again.
	l, err := lock.Acquire(profile.Dir("test"))
	if err != nil {
		t.Fatalf("lock still held after stop: %v", err)
	}
	_ = l.Release()
}

func TestDaemonRefusesHeldProfile(t *testing.T) {
	testHome(t)
	if err := profile.EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	held, err := lock.Acquire(profile.Dir("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	app := fx.New(Module(testParams("a1")), fx.NopLogger)
	err = app.Err()
	if err == nil {
		t.Fatal("expected error starting a second daemon on a held profile")
	}
	var heldErr *lock.HeldError
	if !errors.As(err, &heldErr) {
		t.Errorf("error = %v, want *lock.HeldError", err)
	}
}

func TestDaemonWithoutUser(t *testing.T) {
	testHome(t)
	app := fxtest.New(t, Module(testParams("")), fx.NopLogger)
	app.RequireStart()
	defer app.RequireStop()

	c := client.New(profile.SocketPath("test"))
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Open(ctx, "b1")
	var apiErr *client.Error
	if !errors.As(err, &apiErr) || apiErr.Code != api.CodeUnauthenticated {
		t.Errorf("Open() error = %v, want %s", err, api.CodeUnauthenticated)
	}
}

func TestServerUsesSocketOverride(t *testing.T) {
	testHome(t)
	p := testParams("a1")
	p.SocketPath = filepath.Join(os.Getenv(profile.HomeEnv), "d.sock")
	app := fxtest.New(t, Module(p), fx.NopLogger)
	app.RequireStart()
	defer app.RequireStop()

	if _, err := os.Stat(p.SocketPath); err != nil {
		t.Fatalf("socket not created at %s: %v", p.SocketPath, err)
	}
}
