package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/saaga0h/jeeves-presence/internal/detector"
	"github.com/saaga0h/jeeves-presence/internal/occupancy"
	"github.com/saaga0h/jeeves-presence/pkg/kafka"
	"github.com/saaga0h/jeeves-presence/pkg/mqtt"
)

type published struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// Mock MQTT client that records publishes and keeps subscription handlers
type mockMQTT struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]mqtt.MessageHandler
	messages  []published
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockMQTT) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *mockMQTT) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *mockMQTT) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) Publish(topic string, qos byte, retained bool, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, published{Topic: topic, Retained: retained, Payload: payload})
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) on(topic string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, p := range m.messages {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockMQTT) deliver(topic string, payload []byte) {
	m.mu.Lock()
	handler := m.handlers[topic]
	m.mu.Unlock()
	if handler != nil {
		handler(&mockMessage{topic: topic, payload: payload})
	}
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Topic() string   { return m.topic }
func (m *mockMessage) Payload() []byte { return m.payload }
func (m *mockMessage) Ack()            {}

// In-memory Redis with just the hash and list commands the agent uses
type mockRedis struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	lists  map[string][]string
	ttls   map[string]time.Duration
}

func newMockRedis() *mockRedis {
	return &mockRedis{
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		ttls:   make(map[string]time.Duration),
	}
}

func (m *mockRedis) HSet(ctx context.Context, key string, field string, value interface{}) error {
	return m.HSetMany(ctx, key, map[string]interface{}{field: value})
}

func (m *mockRedis) HSetMany(ctx context.Context, key string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for f, v := range fields {
		s, ok := v.(string)
		if !ok {
			return errors.New("mock redis only stores strings")
		}
		h[f] = s
	}
	return nil
}

func (m *mockRedis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *mockRedis) LPush(ctx context.Context, key string, values ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		m.lists[key] = append([]string{v.(string)}, m.lists[key]...)
	}
	return nil
}

func (m *mockRedis) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = listRange(m.lists[key], start, stop)
	return nil
}

func (m *mockRedis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), listRange(m.lists[key], start, stop)...), nil
}

func (m *mockRedis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls[key] = ttl
	return nil
}

func (m *mockRedis) Ping(ctx context.Context) error { return nil }
func (m *mockRedis) Close() error                   { return nil }

// listRange applies Redis start/stop semantics, negative indexes included
func listRange(list []string, start, stop int64) []string {
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return []string{}
	}
	return list[start : stop+1]
}

type episodeCall struct {
	Start     bool
	Timestamp time.Time
	Source    string
}

type mockEpisodes struct {
	mu       sync.Mutex
	calls    []episodeCall
	episodes []Episode
}

func (m *mockEpisodes) StartEpisode(ctx context.Context, location string, startedAt time.Time, source string, energySaved float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, episodeCall{Start: true, Timestamp: startedAt, Source: source})
	return "episode-1", nil
}

func (m *mockEpisodes) EndEpisode(ctx context.Context, location string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, episodeCall{Start: false, Timestamp: endedAt})
	return nil
}

func (m *mockEpisodes) RecentEpisodes(ctx context.Context, location string, limit int) ([]Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit < len(m.episodes) {
		return m.episodes[:limit], nil
	}
	return m.episodes, nil
}

type mockLedger struct {
	mu     sync.Mutex
	events []kafka.LedgerEvent
	closed bool
}

func (m *mockLedger) Write(ctx context.Context, event kafka.LedgerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockLedger) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type mockClassifier struct {
	detection detector.Detection
	err       error
}

func (m *mockClassifier) ClassifyImage(data []byte) (detector.Detection, error) {
	return m.detection, m.err
}

// Mock camera that replays a script of capture results, then repeats the last
type mockCamera struct {
	mu     sync.Mutex
	script []cameraResult
	calls  int
}

type cameraResult struct {
	detection detector.Detection
	err       error
}

func (m *mockCamera) Capture() (detector.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	if i >= len(m.script) {
		i = len(m.script) - 1
	}
	m.calls++
	return m.script[i].detection, m.script[i].err
}

func (m *mockCamera) Close() error { return nil }

// Mock producer that submits a fixed batch of samples, then either fails or
// waits for cancellation
type mockProducer struct {
	name    string
	samples []bool
	err     error
	ran     chan struct{}
}

func newMockProducer(name string, samples []bool, err error) *mockProducer {
	return &mockProducer{name: name, samples: samples, err: err, ran: make(chan struct{}, 4)}
}

func (m *mockProducer) Name() string { return m.name }

func (m *mockProducer) Run(ctx context.Context, submit SubmitFunc) error {
	for _, detected := range m.samples {
		if _, err := submit(ctx, occupancy.Sample{Detected: detected, Source: m.name}, 0); err != nil {
			return err
		}
	}
	m.ran <- struct{}{}
	if m.err != nil {
		return m.err
	}
	<-ctx.Done()
	return nil
}
