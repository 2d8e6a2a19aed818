package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type flakyDB struct {
	down atomic.Bool
}

func (d *flakyDB) Ping(context.Context) error {
	if d.down.Load() {
		return errors.New("database is closed")
	}
	return nil
}

func startServer(t *testing.T, db Pinger) (*Server, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(db, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, healthpb.NewHealthClient(conn)
}

func status(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServer_StartsNotServing(t *testing.T) {
	_, client := startServer(t, &flakyDB{})

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, ServiceName))
}

func TestServer_CheckFollowsDatabase(t *testing.T) {
	db := &flakyDB{}
	srv, client := startServer(t, db)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, srv.Check(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ServiceName))

	db.down.Store(true)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, srv.Check(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, ServiceName))
}

func TestServer_Watch(t *testing.T) {
	db := &flakyDB{}
	srv, client := startServer(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Watch(ctx, 20*time.Millisecond)

	reports := func(want healthpb.HealthCheckResponse_ServingStatus) func() bool {
		return func() bool {
			resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
			return err == nil && resp.GetStatus() == want
		}
	}
	assert.Eventually(t, reports(healthpb.HealthCheckResponse_SERVING), 2*time.Second, 10*time.Millisecond)

	db.down.Store(true)
	assert.Eventually(t, reports(healthpb.HealthCheckResponse_NOT_SERVING), 2*time.Second, 10*time.Millisecond)
}

func TestServer_UnknownService(t *testing.T) {
	_, client := startServer(t, &flakyDB{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "nope"})
	require.Error(t, err)
}
