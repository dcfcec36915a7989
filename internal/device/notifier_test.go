package device

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type publishedEvent struct {
	topic   string
	payload []byte
	hasDead bool
}

// fakePublisher records every publish and fails while err is set.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *fakePublisher) PublishEvent(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, hasDeadline := ctx.Deadline()
	p.events = append(p.events, publishedEvent{topic: topic, payload: payload, hasDead: hasDeadline})
	return p.err
}

func (p *fakePublisher) decoded(t *testing.T) []Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, 0, len(p.events))
	for _, e := range p.events {
		var ev Event
		if err := json.Unmarshal(e.payload, &ev); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.topic
	}
	return out
}

type fakeHistory struct {
	kinds []string
}

func (h *fakeHistory) WriteLifecycleEvent(_, _, kind string, _ time.Time) {
	h.kinds = append(h.kinds, kind)
}

type fakeMetrics struct {
	mu         sync.Mutex
	operations map[string]int
	publishes  map[bool]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{operations: map[string]int{}, publishes: map[bool]int{}}
}

func (m *fakeMetrics) ObserveOperation(op, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations[op+":"+outcome]++
}

func (m *fakeMetrics) ObservePublish(_ string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishes[ok]++
}

func TestTopic(t *testing.T) {
	if got := Topic("devicemanager", "acme", EventCreate); got != "devicemanager/acme/device/create" {
		t.Errorf("Topic() = %q", got)
	}
}

func TestNotifier_Publish(t *testing.T) {
	pub := &fakePublisher{}
	history := &fakeHistory{}
	metrics := newFakeMetrics()
	n := NewNotifier(pub, NotifierConfig{TopicPrefix: "dm", Timeout: time.Second})
	n.SetHistory(history)
	n.SetMetrics(metrics)
	n.now = func() time.Time { return at(0) }

	// A cancelled caller context must not stop a post-commit publish.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	warning := n.Publish(ctx, "acme", EventUpdate, "d1", terseView(&Device{ID: "d1", Label: "one"}))
	if warning != "" {
		t.Fatalf("Publish() warning = %q", warning)
	}

	if got := pub.topics(); len(got) != 1 || got[0] != "dm/acme/device/update" {
		t.Fatalf("topics = %v", got)
	}
	if !pub.events[0].hasDead {
		t.Error("publish context carries no deadline")
	}
	ev := pub.decoded(t)[0]
	if ev.Event != EventUpdate || ev.Tenant != "acme" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Meta.Service != EventService || !ev.Meta.PublishedAt.Equal(at(0)) {
		t.Errorf("meta = %+v", ev.Meta)
	}
	data, ok := ev.Data.(map[string]any)
	if !ok || data["id"] != "d1" || data["label"] != "one" {
		t.Errorf("data = %#v", ev.Data)
	}
	if len(history.kinds) != 1 || history.kinds[0] != "update" {
		t.Errorf("history = %v", history.kinds)
	}
	if metrics.publishes[true] != 1 {
		t.Errorf("publish metrics = %v", metrics.publishes)
	}
}

func TestNotifier_PublishFailureIsAWarning(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	metrics := newFakeMetrics()
	n := NewNotifier(pub, NotifierConfig{})
	n.SetMetrics(metrics)

	warning := n.Publish(context.Background(), "acme", EventRemove, "d1", nil)
	if !strings.Contains(warning, "broker down") || !strings.Contains(warning, "d1") {
		t.Errorf("Publish() warning = %q", warning)
	}
	if metrics.publishes[false] != 1 {
		t.Errorf("publish metrics = %v", metrics.publishes)
	}
	if got := pub.topics(); len(got) != 1 || got[0] != "devicemanager/acme/device/remove" {
		t.Errorf("topics = %v", got)
	}
}

func TestNotifier_NilPublisher(t *testing.T) {
	n := NewNotifier(nil, NotifierConfig{})
	if w := n.Publish(context.Background(), "acme", EventCreate, "d1", nil); w != "" {
		t.Errorf("Publish() warning = %q, want none", w)
	}
}

func TestNotifier_UnencodablePayload(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, NotifierConfig{})
	if w := n.Publish(context.Background(), "acme", EventCreate, "d1", func() {}); w == "" {
		t.Error("Publish() of an unencodable payload returned no warning")
	}
	if len(pub.topics()) != 0 {
		t.Error("unencodable event reached the bus")
	}
}
