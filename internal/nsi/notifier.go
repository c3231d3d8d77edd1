package nsi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/signalsfoundry/supa/internal/dispatch"
)

var _ dispatch.Notifier = (*RequesterNotifier)(nil)

// RequesterNotifier delivers notifications by calling the requester's
// ConnectionRequester service at replyTo. Connections are dialed on first
// use and reused.
type RequesterNotifier struct {
	opts []grpc.DialOption

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

// NewRequesterNotifier returns a notifier that dials insecurely with trace
// propagation. Extra dial options are appended.
func NewRequesterNotifier(opts ...grpc.DialOption) *RequesterNotifier {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	return &RequesterNotifier{
		opts:  append(base, opts...),
		conns: make(map[string]*grpc.ClientConn),
	}
}

// Notify implements dispatch.Notifier.
func (r *RequesterNotifier) Notify(ctx context.Context, replyTo string, n dispatch.Notification) error {
	cc, err := r.conn(replyTo)
	if err != nil {
		return err
	}
	body, err := EncodeNotification(n)
	if err != nil {
		return fmt.Errorf("encode %s: %w", n.Method(), err)
	}
	method := "/" + RequesterServiceName + "/" + n.Method()
	return cc.Invoke(ctx, method, body, new(emptypb.Empty))
}

func (r *RequesterNotifier) conn(replyTo string) (*grpc.ClientConn, error) {
	target := Target(replyTo)
	if target == "" {
		return nil, errors.New("empty replyTo")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("notifier closed")
	}
	if cc, ok := r.conns[target]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(target, r.opts...)
	if err != nil {
		return nil, fmt.Errorf("dial requester %s: %w", target, err)
	}
	r.conns[target] = cc
	return cc, nil
}

// Close closes every cached connection.
func (r *RequesterNotifier) Close() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, cc := range conns {
		errs = append(errs, cc.Close())
	}
	return errors.Join(errs...)
}

// Target turns a replyTo address into a gRPC dial target. Accepted forms are
// host:port and grpc://host:port[/path].
func Target(replyTo string) string {
	replyTo = strings.TrimSpace(replyTo)
	rest, ok := strings.CutPrefix(replyTo, "grpc://")
	if !ok {
		return replyTo
	}
	host, _, _ := strings.Cut(rest, "/")
	return host
}
