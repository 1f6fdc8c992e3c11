package testutil

import (
	"context"
	"fmt"

	"lmnop/internal/app"
	"lmnop/internal/clock"
	"lmnop/internal/ha"
	"lmnop/internal/notify"
	"lmnop/internal/storage"

	"go.uber.org/zap"
)

// TestEnv provides a complete test environment: a mock HA server, a connected
// client and a SQLite store, from which notifier instances can be started.
type TestEnv struct {
	Server *MockHAServer
	Client *ha.Client
	Store  *storage.Store
	Logger *zap.Logger

	token     string
	db        *storage.DB
	instances []*app.Instance
}

// NewTestEnv starts a mock server on addr, connects a client and opens the
// database at dbPath.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv("127.0.0.1:0", "test_token", filepath.Join(t.TempDir(), "lmnop.db"))
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
//
//	instance, err := env.StartInstance(app.Options{Name: "LMNOP Notifier", InstanceID: "abc123"})
func NewTestEnv(addr, token, dbPath string) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	server := NewMockHAServer(addr, token)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock server: %w", err)
	}
	server.InitializeStates()

	client := ha.NewClient(server.URL(), token, logger)
	if err := client.Connect(); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		client.Disconnect()
		server.Stop()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &TestEnv{
		Server: server,
		Client: client,
		Store:  storage.NewStore(db, logger),
		Logger: logger,
		token:  token,
		db:     db,
	}, nil
}

// StartInstance builds and starts a notifier instance on the env's client and
// store, using the stub transport and the real clock
func (e *TestEnv) StartInstance(opts app.Options) (*app.Instance, error) {
	instance := app.NewInstance(opts, e.Client, storage.NewAlertStore(e.Store, opts.InstanceID),
		notify.NewStubClient("demo-key", e.Logger), clock.NewRealClock(), e.Logger)

	if err := instance.Start(context.Background()); err != nil {
		return nil, err
	}
	e.instances = append(e.instances, instance)
	return instance, nil
}

// Restart simulates a process restart: instances are stopped, the client is
// replaced by a fresh connection, and the database is kept.
func (e *TestEnv) Restart() error {
	e.stopInstances()
	e.Client.Disconnect()

	client := ha.NewClient(e.Server.URL(), e.token, e.Logger)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to reconnect client: %w", err)
	}
	e.Client = client
	return nil
}

func (e *TestEnv) stopInstances() {
	for _, instance := range e.instances {
		instance.Stop()
	}
	e.instances = nil
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	e.stopInstances()
	if e.Client != nil {
		e.Client.Disconnect()
	}
	if e.db != nil {
		e.db.Close()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}

// GetServiceCalls returns all service calls made to the mock server.
func (e *TestEnv) GetServiceCalls() []ServiceCall {
	return e.Server.GetServiceCalls()
}

// ClearServiceCalls clears the recorded service calls.
func (e *TestEnv) ClearServiceCalls() {
	e.Server.ClearServiceCalls()
}
