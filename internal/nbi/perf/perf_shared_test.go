//go:build perf || perf_large

package perf

import (
	"context"
	"fmt"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

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

type perfConfig struct {
	Reservations int
	// Ports spreads reservations over this many ports so the resource check
	// scans a realistic number of claims per port.
	Ports int
}

var perfEpoch = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

type provider struct {
	clock *timectrl.ManualClock
	sched *scheduler.Scheduler
	mgr   *connection.Manager
	svc   *nbi.ProviderService
}

func newProvider() *provider {
	clock := timectrl.NewManualClock(perfEpoch)
	sched := scheduler.New(scheduler.Config{Clock: clock})
	disp := dispatch.New(dispatch.Config{Clock: clock})
	mgr := connection.New(connection.Config{}, store.NewMemory(clock.Now), sched, disp, clock, logging.Noop())
	return &provider{
		clock: clock,
		sched: sched,
		mgr:   mgr,
		svc:   nbi.NewProviderService(mgr, "", logging.Noop()),
	}
}

// reserveMessage builds a request whose schedule never overlaps another
// reservation on the same port.
func reserveMessage(b *testing.B, j int, cfg perfConfig) *structpb.Struct {
	b.Helper()
	slot := time.Duration(j/cfg.Ports) * time.Hour
	port := fmt.Sprintf("port-%d", j%cfg.Ports)
	msg, err := nsi.EncodeReserve(connection.ReserveRequest{
		GlobalReservationID: fmt.Sprintf("urn:uuid:gri-%d", j),
		RequesterNSA:        "urn:ogf:network:bench.net:2030:nsa",
		Criteria: model.Criteria{
			StartTime:   perfEpoch.Add(time.Hour + slot),
			EndTime:     perfEpoch.Add(2*time.Hour + slot),
			Bandwidth:   100,
			Symmetric:   true,
			Source:      model.Endpoint{Domain: "bench.net:2030", NetworkType: "topology", Port: port + "-a", VLAN: 100},
			Destination: model.Endpoint{Domain: "bench.net:2030", NetworkType: "topology", Port: port + "-b", VLAN: 100},
		},
	})
	if err != nil {
		b.Fatalf("EncodeReserve: %v", err)
	}
	return msg
}

func benchmarkReserveCommit(b *testing.B, cfg perfConfig) {
	ctx := context.Background()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		p := newProvider()
		msgs := make([]*structpb.Struct, cfg.Reservations)
		for j := range msgs {
			msgs[j] = reserveMessage(b, j, cfg)
		}
		b.StartTimer()

		for j, msg := range msgs {
			out, err := p.svc.Reserve(ctx, msg)
			if err != nil {
				b.Fatalf("Reserve(%d): %v", j, err)
			}
			p.sched.RunDue(ctx, p.mgr)
			c, err := nsi.DecodeConnection(out)
			if err != nil {
				b.Fatalf("DecodeConnection: %v", err)
			}
			verb, err := nsi.EncodeVerb(nsi.VerbRequest{ConnectionID: c.ConnectionID, Version: c.Version + 1})
			if err != nil {
				b.Fatalf("EncodeVerb: %v", err)
			}
			if _, err := p.svc.ReserveCommit(ctx, verb); err != nil {
				b.Fatalf("ReserveCommit(%d): %v", j, err)
			}
		}
	}
}

func benchmarkQuerySummary(b *testing.B, cfg perfConfig) {
	ctx := context.Background()
	b.ReportAllocs()

	p := newProvider()
	for j := 0; j < cfg.Reservations; j++ {
		if _, err := p.svc.Reserve(ctx, reserveMessage(b, j, cfg)); err != nil {
			b.Fatalf("seed Reserve(%d): %v", j, err)
		}
	}
	p.sched.RunDue(ctx, p.mgr)
	query, err := nsi.EncodeQuery(nsi.QueryRequest{})
	if err != nil {
		b.Fatalf("EncodeQuery: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out, err := p.svc.QuerySummarySync(ctx, query)
		if err != nil {
			b.Fatalf("QuerySummarySync: %v", err)
		}
		if n := len(out.GetFields()["reservation"].GetListValue().GetValues()); n != cfg.Reservations {
			b.Fatalf("QuerySummarySync returned %d reservations, want %d", n, cfg.Reservations)
		}
	}
}
