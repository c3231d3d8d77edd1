package nbi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/connection"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/nsi"
	"github.com/signalsfoundry/supa/internal/scheduler"
	"github.com/signalsfoundry/supa/internal/store"
	"github.com/signalsfoundry/supa/model"
	"github.com/signalsfoundry/supa/timectrl"
)

const testProviderNSA = "urn:ogf:network:example.net:2030:nsa:supa"

var providerEpoch = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

type providerFixture struct {
	clock  *timectrl.ManualClock
	sched  *scheduler.Scheduler
	mgr    *connection.Manager
	client *nsi.ProviderClient
}

// newProviderFixture serves a ProviderService on a loopback listener with the
// production interceptor chain.
func newProviderFixture(t *testing.T) *providerFixture {
	t.Helper()

	clock := timectrl.NewManualClock(providerEpoch)
	sched := scheduler.New(scheduler.Config{Clock: clock})
	disp := dispatch.New(dispatch.Config{Clock: clock})
	mgr := connection.New(connection.Config{ProviderNSA: testProviderNSA}, store.NewMemory(clock.Now), sched, disp, clock, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RequestIDUnaryServerInterceptor(nil),
		RecoveryUnaryServerInterceptor(nil),
		TracingUnaryServerInterceptor(),
	))
	nsi.RegisterProviderServer(srv, NewProviderService(mgr, testProviderNSA, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close() })

	return &providerFixture{
		clock:  clock,
		sched:  sched,
		mgr:    mgr,
		client: nsi.NewProviderClient(cc),
	}
}

func (f *providerFixture) reserveRequest() connection.ReserveRequest {
	return connection.ReserveRequest{
		CorrelationID:       "urn:uuid:4b0f2ba4-5a0e-4f3c-9a41-3c0d7a8c5e10",
		GlobalReservationID: "urn:uuid:gri-1",
		RequesterNSA:        "urn:ogf:network:requester.net:2030:nsa",
		ProviderNSA:         testProviderNSA,
		Criteria: model.Criteria{
			StartTime:   providerEpoch.Add(time.Hour),
			EndTime:     providerEpoch.Add(2 * time.Hour),
			Bandwidth:   100,
			Symmetric:   true,
			Source:      model.Endpoint{Domain: "example.net:2030", NetworkType: "topology", Port: "ams-1", VLAN: 1780},
			Destination: model.Endpoint{Domain: "example.net:2030", NetworkType: "topology", Port: "lon-1", VLAN: 1780},
		},
	}
}

func (f *providerFixture) runDue() {
	f.sched.RunDue(context.Background(), f.mgr)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestProviderServiceReservationLifecycle(t *testing.T) {
	t.Parallel()

	f := newProviderFixture(t)
	ctx := testContext(t)

	c, err := f.client.Reserve(ctx, f.reserveRequest())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if c.ConnectionID == "" || c.Version != 0 {
		t.Fatalf("Reserve returned id %q version %d", c.ConnectionID, c.Version)
	}
	if c.States.Reservation != core.ReserveChecking {
		t.Fatalf("reservation state = %s, want %s", c.States.Reservation, core.ReserveChecking)
	}
	f.runDue()

	summary, err := f.client.QuerySummary(ctx, nsi.QueryRequest{ConnectionIDs: []string{c.ConnectionID}})
	if err != nil {
		t.Fatalf("QuerySummary: %v", err)
	}
	if len(summary) != 1 || summary[0].States.Reservation != core.ReserveHeld {
		t.Fatalf("summary = %+v, want one held reservation", summary)
	}
	held := summary[0]

	committed, err := f.client.ReserveCommit(ctx, nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: held.Version})
	if err != nil {
		t.Fatalf("ReserveCommit: %v", err)
	}
	if committed.Version != held.Version+2 || !committed.Committed {
		t.Fatalf("ReserveCommit returned version %d committed %v", committed.Version, committed.Committed)
	}

	provisioned, err := f.client.Provision(ctx, nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: committed.Version})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if provisioned.States.Provision != core.Provisioned {
		t.Fatalf("provision state = %s, want %s", provisioned.States.Provision, core.Provisioned)
	}

	f.clock.Advance(time.Hour)
	f.runDue()
	dp, err := f.client.QueryDataPlaneStatus(ctx, c.ConnectionID)
	if err != nil {
		t.Fatalf("QueryDataPlaneStatus: %v", err)
	}
	if !dp.Status.Active {
		t.Fatalf("data plane inactive after start time: %+v", dp)
	}

	results, err := f.client.QueryResult(ctx, c.ConnectionID)
	if err != nil {
		t.Fatalf("QueryResult: %v", err)
	}
	want := map[string]bool{"ReserveConfirmed": false, "ReserveCommitConfirmed": false, "ProvisionConfirmed": false, "DataPlaneStateChange": false}
	for _, n := range results {
		if _, ok := want[n.Method()]; ok {
			want[n.Method()] = true
		}
	}
	for method, seen := range want {
		if !seen {
			t.Fatalf("results %v missing %s", results, method)
		}
	}

	terminated, err := f.client.Terminate(ctx, nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: dp.Version})
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	_, err = f.client.Release(ctx, nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: terminated.Version})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("Release after Terminate code = %v, want FailedPrecondition", status.Code(err))
	}
	var cerr *connection.Error
	if !errors.As(FromStatusError(err), &cerr) || !errors.Is(cerr, connection.ErrConnectionAlreadyTerminated) {
		t.Fatalf("FromStatusError(%v) = %v, want already terminated", err, cerr)
	}
	if cerr.States == nil || cerr.States.Lifecycle != core.Terminated {
		t.Fatalf("rejection carries states %+v", cerr.States)
	}
}

func TestProviderServiceRejections(t *testing.T) {
	t.Parallel()

	f := newProviderFixture(t)
	ctx := testContext(t)

	c, err := f.client.Reserve(ctx, f.reserveRequest())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	f.runDue()

	wrongProvider := f.reserveRequest()
	wrongProvider.ProviderNSA = "urn:ogf:network:other.net:2030:nsa"
	badCorrelation := f.reserveRequest()
	badCorrelation.CorrelationID = "not-a-urn"
	badCriteria := f.reserveRequest()
	badCriteria.Criteria.EndTime = badCriteria.Criteria.StartTime

	tests := []struct {
		name string
		call func() error
		code codes.Code
	}{
		{
			name: "wrong provider",
			call: func() error {
				_, err := f.client.Reserve(ctx, wrongProvider)
				return err
			},
			code: codes.InvalidArgument,
		},
		{
			name: "bad correlation id",
			call: func() error {
				_, err := f.client.Reserve(ctx, badCorrelation)
				return err
			},
			code: codes.InvalidArgument,
		},
		{
			name: "bad criteria",
			call: func() error {
				_, err := f.client.Reserve(ctx, badCriteria)
				return err
			},
			code: codes.InvalidArgument,
		},
		{
			name: "stale version",
			call: func() error {
				_, err := f.client.ReserveCommit(ctx, nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: 0})
				return err
			},
			code: codes.Aborted,
		},
		{
			name: "provision before commit",
			call: func() error {
				_, err := f.client.Provision(ctx, nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: 1})
				return err
			},
			code: codes.FailedPrecondition,
		},
		{
			name: "unknown connection",
			call: func() error {
				_, err := f.client.Terminate(ctx, nsi.VerbRequest{ConnectionID: "missing", Version: 0})
				return err
			},
			code: codes.NotFound,
		},
		{
			name: "missing connection id",
			call: func() error {
				_, err := f.client.QueryDataPlaneStatus(ctx, "")
				return err
			},
			code: codes.InvalidArgument,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			if code := status.Code(err); code != tc.code {
				t.Fatalf("code = %v (%v), want %v", code, err, tc.code)
			}
		})
	}

	// None of the rejections changed the record.
	after, err := f.mgr.Get(ctx, c.ConnectionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Version != 1 || after.States.Reservation != core.ReserveHeld {
		t.Fatalf("record changed: version %d states %+v", after.Version, after.States)
	}
}

func TestProviderServiceEchoesRequestID(t *testing.T) {
	t.Parallel()

	f := newProviderFixture(t)
	ctx := metadata.AppendToOutgoingContext(testContext(t), "x-request-id", "req-42")

	var header metadata.MD
	if _, err := f.client.Reserve(ctx, f.reserveRequest(), grpc.Header(&header)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := header.Get("x-request-id"); len(got) != 1 || got[0] != "req-42" {
		t.Fatalf("x-request-id header = %v, want [req-42]", got)
	}
}

func TestProviderServiceWithoutManager(t *testing.T) {
	t.Parallel()

	svc := NewProviderService(nil, "", nil)
	_, err := svc.ReserveCommit(context.Background(), &structpb.Struct{})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("code = %v, want FailedPrecondition", status.Code(err))
	}
}
