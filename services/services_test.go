package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns atomic.Int32
}

func newFakeServer(listenErr error) *fakeServer {
	return &fakeServer{listenErr: listenErr, stop: make(chan struct{})}
}

func (f *fakeServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return nil
}

func (f *fakeServer) Shutdown(ctx context.Context) error {
	f.shutdowns.Add(1)
	close(f.stop)
	return nil
}

func TestHTTPServiceShutdown(t *testing.T) {
	srv := newFakeServer(nil)
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if srv.shutdowns.Load() != 1 {
		t.Errorf("Shutdown called %d times", srv.shutdowns.Load())
	}
}

func TestHTTPServiceListenFailure(t *testing.T) {
	svc := NewHTTPService(newFakeServer(errors.New("address in use")), 0)
	if err := svc.Serve(context.Background()); err == nil {
		t.Error("expected listen failure to surface")
	}
	if svc.String() != "http-server" {
		t.Errorf("String = %s", svc.String())
	}
}

type countingSweeper struct{ calls, removed atomic.Int32 }

func (c *countingSweeper) Sweep(time.Duration) int {
	c.calls.Add(1)
	return 1
}

func (c *countingSweeper) Evict(time.Duration) int {
	c.removed.Add(1)
	return 0
}

func TestSweeperTicks(t *testing.T) {
	fake := &countingSweeper{}
	s := NewSweeper(fake, fake, time.Minute, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Serve = %v", err)
	}
	if fake.calls.Load() < 2 || fake.removed.Load() < 2 {
		t.Errorf("sweeps = %d, evictions = %d", fake.calls.Load(), fake.removed.Load())
	}
}

type blockingService struct{ started chan struct{} }

func (b *blockingService) Serve(ctx context.Context) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestTreeRunsServices(t *testing.T) {
	tree := NewTree(TreeConfig{ShutdownTimeout: time.Second})
	pipeline := &blockingService{started: make(chan struct{})}
	api := &blockingService{started: make(chan struct{})}
	tree.AddPipelineService(pipeline)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)
	for _, svc := range []*blockingService{pipeline, api} {
		select {
		case <-svc.started:
		case <-time.After(2 * time.Second):
			t.Fatal("service never started")
		}
	}
	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
}
