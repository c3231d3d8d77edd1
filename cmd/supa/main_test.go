package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/supa/internal/config"
	"github.com/signalsfoundry/supa/internal/connection"
	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/internal/nsi"
	"github.com/signalsfoundry/supa/model"
)

func testConfig(database string) config.Config {
	return config.Config{
		DatabaseFile:        database,
		GRPCListen:          "127.0.0.1:0",
		GRPCMaxWorkers:      4,
		SchedulerMaxWorkers: 2,
		HoldTimeout:         time.Minute,
		StoreTimeout:        time.Second,
		DeliveryTimeout:     time.Second,
		DeliveryWorkers:     1,
		ResultTTL:           time.Hour,
		ShutdownTimeout:     2 * time.Second,
		LogLevel:            "warn",
		LogFormat:           "text",
		TracingSampleRatio:  1,
	}
}

func reserveRequest() connection.ReserveRequest {
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	return connection.ReserveRequest{
		GlobalReservationID: "urn:uuid:smoke",
		RequesterNSA:        "urn:ogf:network:requester.net:2030:nsa",
		Criteria: model.Criteria{
			StartTime:   start,
			EndTime:     start.Add(time.Hour),
			Bandwidth:   10,
			Symmetric:   true,
			Source:      model.Endpoint{Domain: "example.net:2030", NetworkType: "topology", Port: "a", VLAN: 5},
			Destination: model.Endpoint{Domain: "example.net:2030", NetworkType: "topology", Port: "b", VLAN: 5},
		},
	}
}

// startAgent runs the agent on a loopback listener and returns a client and
// a stop function that waits for run to return.
func startAgent(t *testing.T, cfg config.Config) (*nsi.ProviderClient, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, log, lis)
	}()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		cancel()
		t.Fatalf("grpc.NewClient: %v", err)
	}
	stop := func() {
		_ = conn.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("run returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("run did not return after cancel")
		}
	}
	return nsi.NewProviderClient(conn), stop
}

func TestServeStartupSmoke(t *testing.T) {
	client, stop := startAgent(t, testConfig(config.MemoryDatabase))
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Reserve(ctx, reserveRequest())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if c.ConnectionID == "" {
		t.Fatalf("Reserve returned no connection id")
	}

	// The scheduler runs the resource check on its own.
	deadline := time.Now().Add(3 * time.Second)
	for {
		st, err := client.QueryDataPlaneStatus(ctx, c.ConnectionID)
		if err != nil {
			t.Fatalf("QueryDataPlaneStatus: %v", err)
		}
		if st.Version >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reservation was never checked")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeKeepsRecordsAcrossRestart(t *testing.T) {
	cfg := testConfig(t.TempDir() + "/supa.db")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, stop := startAgent(t, cfg)
	c, err := client.Reserve(ctx, reserveRequest())
	if err != nil {
		stop()
		t.Fatalf("Reserve: %v", err)
	}
	stop()

	client, stop = startAgent(t, cfg)
	defer stop()
	got, err := client.QuerySummary(ctx, nsi.QueryRequest{ConnectionIDs: []string{c.ConnectionID}})
	if err != nil {
		t.Fatalf("QuerySummary: %v", err)
	}
	if len(got) != 1 || got[0].GlobalReservationID != "urn:uuid:smoke" {
		t.Fatalf("summary after restart = %+v", got)
	}
}

func TestServeRejectsInvalidConfiguration(t *testing.T) {
	t.Chdir(t.TempDir())

	var stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetErr(&stderr)
	cmd.SetOut(&stderr)
	cmd.SetArgs([]string{"serve", "--database-file", config.MemoryDatabase, "--scheduler-max-workers", "0"})

	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "scheduler-max-workers") {
		t.Fatalf("ExecuteContext error = %v, want scheduler-max-workers rejection", err)
	}
}
