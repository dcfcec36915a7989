package natsbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/device-manager/internal/infrastructure/config"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	connected  bool
	publishErr error
	flushErr   error
	messages   []message
	flushes    int
	closed     int
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.messages = append(f.messages, message{subject: subject, data: data})
	return nil
}

func (f *fakeConn) FlushWithContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.flushes++
	return f.flushErr
}

func (f *fakeConn) IsConnected() bool { return f.connected }

func (f *fakeConn) Close() {
	f.closed++
	f.connected = false
}

func TestSubject(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"devicemanager/acme/device/create", "devicemanager.acme.device.create"},
		{"/devicemanager/acme/device/remove/", "devicemanager.acme.device.remove"},
		{"flat", "flat"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := Subject(tt.topic); got != tt.want {
				t.Errorf("Subject(%q) = %q, want %q", tt.topic, got, tt.want)
			}
		})
	}
}

func TestPublishEvent(t *testing.T) {
	fc := &fakeConn{connected: true}
	c := &Client{nc: fc}

	err := c.PublishEvent(context.Background(), "devicemanager/acme/device/update", []byte(`{"id":"a1b2c3"}`))
	if err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	if len(fc.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(fc.messages))
	}
	if fc.messages[0].subject != "devicemanager.acme.device.update" {
		t.Errorf("subject = %q", fc.messages[0].subject)
	}
	if string(fc.messages[0].data) != `{"id":"a1b2c3"}` {
		t.Errorf("data = %s", fc.messages[0].data)
	}
	if fc.flushes != 1 {
		t.Errorf("flushes = %d, want 1", fc.flushes)
	}
}

func TestPublishErrors(t *testing.T) {
	brokerErr := errors.New("permissions violation")

	tests := []struct {
		name    string
		conn    *fakeConn
		subject string
		wantErr error
	}{
		{"empty subject", &fakeConn{connected: true}, "", ErrInvalidSubject},
		{"wildcard", &fakeConn{connected: true}, "devicemanager.*.device", ErrInvalidSubject},
		{"tail wildcard", &fakeConn{connected: true}, "devicemanager.>", ErrInvalidSubject},
		{"disconnected", &fakeConn{connected: false}, "devicemanager.acme", ErrNotConnected},
		{"publish rejected", &fakeConn{connected: true, publishErr: brokerErr}, "devicemanager.acme", brokerErr},
		{"flush failed", &fakeConn{connected: true, flushErr: brokerErr}, "devicemanager.acme", ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{nc: tt.conn}
			err := c.Publish(context.Background(), tt.subject, []byte("{}"))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishCancelledContext(t *testing.T) {
	c := &Client{nc: &fakeConn{connected: true}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Publish(ctx, "devicemanager.acme.device.create", nil)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() error = %v, want cancelled publish failure", err)
	}
}

func TestHealthCheckAndClose(t *testing.T) {
	fc := &fakeConn{connected: true}
	c := &Client{nc: fc}

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if fc.closed != 1 {
		t.Errorf("underlying Close() calls = %d, want 1", fc.closed)
	}

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
	if err := c.PublishEvent(context.Background(), "devicemanager/acme/device/create", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishEvent() after Close = %v, want ErrNotConnected", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := config.NATSConfig{
		URL:           "nats://127.0.0.1:1",
		Name:          "devicemanager-test",
		MaxReconnects: 0,
		ReconnectWait: 1,
	}

	start := time.Now()
	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("Connect() did not fail fast")
	}
}

func TestBuildOptions(t *testing.T) {
	cfg := config.NATSConfig{Name: "dm", Token: "s3cret", MaxReconnects: -1, ReconnectWait: 2}
	withAuth := buildOptions(cfg, &Client{})

	cfg.Name, cfg.Token = "", ""
	bare := buildOptions(cfg, &Client{})

	if len(withAuth) != len(bare)+2 {
		t.Errorf("options with name and token = %d, bare = %d", len(withAuth), len(bare))
	}
}
