package tests

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/supa/core"
	"github.com/signalsfoundry/supa/internal/connection"
	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/internal/nbi"
	"github.com/signalsfoundry/supa/internal/nsi"
	"github.com/signalsfoundry/supa/internal/scheduler"
	"github.com/signalsfoundry/supa/internal/store"
	"github.com/signalsfoundry/supa/model"
	"github.com/signalsfoundry/supa/timectrl"
)

// callbackRecorder is the requester side of the test: it collects every
// notification the provider delivers.
type callbackRecorder struct {
	mu   sync.Mutex
	got  []dispatch.Notification
	cond *sync.Cond
}

func newCallbackRecorder() *callbackRecorder {
	r := &callbackRecorder{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *callbackRecorder) Notify(_ context.Context, _ string, n dispatch.Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.cond.Broadcast()
	r.mu.Unlock()
	return nil
}

// await blocks until connectionID has received method, or fails the test.
func (r *callbackRecorder) await(t *testing.T, connectionID, method string) dispatch.Notification {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	timer := time.AfterFunc(5*time.Second, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		for _, n := range r.got {
			if n.ConnectionID == connectionID && n.Method() == method {
				return n
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s for %s; received %v", method, connectionID, r.methodsLocked(connectionID))
		}
		r.cond.Wait()
	}
}

func (r *callbackRecorder) count(connectionID, method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.got {
		if got.ConnectionID == connectionID && got.Method() == method {
			n++
		}
	}
	return n
}

func (r *callbackRecorder) methodsLocked(connectionID string) []string {
	var out []string
	for _, n := range r.got {
		if n.ConnectionID == connectionID {
			out = append(out, n.Method())
		}
	}
	return out
}

type nsiTestEnv struct {
	ctx       context.Context
	provider  *nsi.ProviderClient
	callbacks *callbackRecorder
	replyTo   string
}

func newNsiTestEnv(t *testing.T) *nsiTestEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)

	// Requester callback server.
	callbacks := newCallbackRecorder()
	reqLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("net.Listen requester: %v", err)
	}
	requester := grpc.NewServer()
	nsi.RegisterRequesterServer(requester, callbacks)
	go func() { _ = requester.Serve(reqLis) }()

	// Provider, assembled as cmd/supa does with a real clock.
	clock := timectrl.Real()
	notifier := nsi.NewRequesterNotifier()
	disp := dispatch.New(dispatch.Config{Notifier: notifier, Workers: 2, Clock: clock})
	sched := scheduler.New(scheduler.Config{Workers: 2, Clock: clock})
	mgr := connection.New(connection.Config{
		DomainName:  "example.net:2030",
		HoldTimeout: 2 * time.Second,
	}, store.NewMemory(clock.Now), sched, disp, clock, logging.Noop())
	disp.Start(ctx)

	runCtx, stopScheduler := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		_ = sched.Run(runCtx, mgr)
		close(schedDone)
	}()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatalf("net.Listen provider: %v", err)
	}
	provider := grpc.NewServer(grpc.ChainUnaryInterceptor(
		nbi.RequestIDUnaryServerInterceptor(logging.Noop()),
		nbi.RecoveryUnaryServerInterceptor(logging.Noop()),
	))
	nsi.RegisterProviderServer(provider, nbi.NewProviderService(mgr, "", logging.Noop()))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- provider.Serve(lis)
	}()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		cancel()
		t.Fatalf("grpc.NewClient: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		provider.GracefulStop()
		if err := <-serveErr; err != nil {
			t.Errorf("provider Serve: %v", err)
		}
		stopScheduler()
		<-schedDone
		disp.Stop()
		_ = notifier.Close()
		requester.Stop()
		cancel()
	})

	return &nsiTestEnv{
		ctx:       ctx,
		provider:  nsi.NewProviderClient(conn),
		callbacks: callbacks,
		replyTo:   "grpc://" + reqLis.Addr().String(),
	}
}

func (e *nsiTestEnv) request(port string, startIn, length time.Duration) connection.ReserveRequest {
	start := time.Now().Add(startIn).UTC()
	return connection.ReserveRequest{
		CorrelationID:       "urn:uuid:0d9c3c1e-8f6c-4b8e-bb0b-2d6b8f0f1e01",
		GlobalReservationID: "urn:uuid:e2e-" + port,
		RequesterNSA:        "urn:ogf:network:requester.net:2030:nsa",
		ReplyTo:             e.replyTo,
		Criteria: model.Criteria{
			StartTime:   start,
			EndTime:     start.Add(length),
			Bandwidth:   1000,
			Symmetric:   true,
			Source:      model.Endpoint{Domain: "example.net:2030", NetworkType: "topology", Port: port + "-src", VLAN: 1780},
			Destination: model.Endpoint{Domain: "example.net:2030", NetworkType: "topology", Port: port + "-dst", VLAN: 1780},
		},
	}
}

func version(t *testing.T, n dispatch.Notification) int64 {
	t.Helper()
	v, ok := n.Details["version"].(float64)
	if !ok {
		t.Fatalf("%s carries no version: %v", n.Method(), n.Details)
	}
	return int64(v)
}

func TestEndToEndConnectionLifecycle(t *testing.T) {
	env := newNsiTestEnv(t)
	ctx := env.ctx

	c, err := env.provider.Reserve(ctx, env.request("ams", 500*time.Millisecond, 700*time.Millisecond))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	held := version(t, env.callbacks.await(t, c.ConnectionID, "ReserveConfirmed"))

	committed, err := env.provider.ReserveCommit(ctx, nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: held})
	if err != nil {
		t.Fatalf("ReserveCommit: %v", err)
	}
	env.callbacks.await(t, c.ConnectionID, "ReserveCommitConfirmed")

	provisioned, err := env.provider.Provision(ctx, nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: committed.Version})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	env.callbacks.await(t, c.ConnectionID, "ProvisionConfirmed")
	if provisioned.States.DataPlane.Active {
		t.Fatalf("data plane active before the start time")
	}

	// Start time activates the data plane, end time deactivates it.
	on := env.callbacks.await(t, c.ConnectionID, "DataPlaneStateChange")
	if active, _ := on.Details["active"].(bool); !active {
		t.Fatalf("first data plane change = %v, want active", on.Details)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		sum, err := env.provider.QuerySummary(ctx, nsi.QueryRequest{ConnectionIDs: []string{c.ConnectionID}})
		if err != nil {
			t.Fatalf("QuerySummary: %v", err)
		}
		if len(sum) == 1 && sum[0].States.Lifecycle == core.PassedEndTime {
			if sum[0].States.DataPlane.Active {
				t.Fatalf("data plane still active after end time")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection never passed its end time: %+v", sum)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := env.callbacks.count(c.ConnectionID, "DataPlaneStateChange"); n != 2 {
		t.Fatalf("DataPlaneStateChange delivered %d times, want 2", n)
	}

	st, err := env.provider.QueryDataPlaneStatus(ctx, c.ConnectionID)
	if err != nil {
		t.Fatalf("QueryDataPlaneStatus: %v", err)
	}
	if _, err := env.provider.Terminate(ctx, nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: st.Version}); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	env.callbacks.await(t, c.ConnectionID, "TerminateConfirmed")

	_, err = env.provider.Provision(ctx, nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: st.Version + 2})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("Provision after Terminate code = %v, want FailedPrecondition", status.Code(err))
	}
}

func TestEndToEndConcurrentCommitsHaveOneWinner(t *testing.T) {
	env := newNsiTestEnv(t)
	ctx := env.ctx

	c, err := env.provider.Reserve(ctx, env.request("lon", time.Hour, time.Hour))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	held := version(t, env.callbacks.await(t, c.ConnectionID, "ReserveConfirmed"))

	const racers = 8
	codesSeen := make(chan codes.Code, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.provider.ReserveCommit(ctx, nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: held})
			codesSeen <- status.Code(err)
		}()
	}
	wg.Wait()
	close(codesSeen)

	counts := map[codes.Code]int{}
	for code := range codesSeen {
		counts[code]++
	}
	if counts[codes.OK] != 1 || counts[codes.Aborted] != racers-1 {
		t.Fatalf("commit outcomes = %v, want one OK and %d Aborted", counts, racers-1)
	}
	env.callbacks.await(t, c.ConnectionID, "ReserveCommitConfirmed")
	if n := env.callbacks.count(c.ConnectionID, "ReserveCommitConfirmed"); n != 1 {
		t.Fatalf("ReserveCommitConfirmed delivered %d times, want 1", n)
	}
}

func TestEndToEndHoldTimeoutAndConflicts(t *testing.T) {
	env := newNsiTestEnv(t)
	ctx := env.ctx

	first, err := env.provider.Reserve(ctx, env.request("par", time.Hour, time.Hour))
	if err != nil {
		t.Fatalf("Reserve first: %v", err)
	}
	env.callbacks.await(t, first.ConnectionID, "ReserveConfirmed")

	// Same ports and overlapping schedule while the first is held.
	second, err := env.provider.Reserve(ctx, env.request("par", 90*time.Minute, time.Hour))
	if err != nil {
		t.Fatalf("Reserve second: %v", err)
	}
	failed := env.callbacks.await(t, second.ConnectionID, "ReserveFailed")
	if failed.Details["error"] == nil {
		t.Fatalf("ReserveFailed without error detail: %v", failed.Details)
	}

	// Nobody commits the first: the hold times out and the ports free up.
	timeout := env.callbacks.await(t, first.ConnectionID, "ReserveTimeout")
	if timeout.Details["timeoutValue"] == nil {
		t.Fatalf("ReserveTimeout without timeoutValue: %v", timeout.Details)
	}
	third, err := env.provider.Reserve(ctx, env.request("par", 90*time.Minute, time.Hour))
	if err != nil {
		t.Fatalf("Reserve third: %v", err)
	}
	env.callbacks.await(t, third.ConnectionID, "ReserveConfirmed")
}

func TestEndToEndOutOfDomainRejected(t *testing.T) {
	env := newNsiTestEnv(t)

	req := env.request("ams", time.Hour, time.Hour)
	req.Criteria.Destination.Domain = "elsewhere.net:2030"
	_, err := env.provider.Reserve(env.ctx, req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Reserve out of domain code = %v, want InvalidArgument", status.Code(err))
	}
}
