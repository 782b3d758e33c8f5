package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/ish-core/internal/infrastructure/config"
)

// fakeInflux answers /ping and captures line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	lines  []string
	status int
	got    chan struct{}
}

func newFakeInflux(t *testing.T) (*fakeInflux, *httptest.Server) {
	t.Helper()
	f := &fakeInflux{status: http.StatusNoContent, got: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.lines = append(f.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
			status := f.status
			f.mu.Unlock()
			w.WriteHeader(status)
			f.got <- struct{}{}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "ish",
		Bucket:        "telemetry",
		BatchSize:     1,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(testConfig("http://127.0.0.1:1"))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_HealthCheck(t *testing.T) {
	_, srv := newFakeInflux(t)

	c, err := Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestWriteEntityState(t *testing.T) {
	fake, srv := newFakeInflux(t)

	c, err := Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	c.WriteEntityState("sensor.kitchen_temp", "sensor", "21.5",
		map[string]float64{"value": 21.5}, time.Unix(1700000000, 0))
	c.Flush()

	select {
	case <-fake.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no write received")
	}
	c.Close()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(fake.lines), fake.lines)
	}
	line := fake.lines[0]
	for _, want := range []string{
		"entity_state,",
		"domain=sensor",
		"entity_id=sensor.kitchen_temp",
		`state="21.5"`,
		"value=21.5",
		"source=ish",
		"1700000000000000000",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestWriteOptions_Defaults(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		flush     int
		wantBatch uint
		wantFlush uint
	}{
		{name: "unset", wantBatch: defaultBatchSize, wantFlush: defaultFlushInterval * 1000},
		{name: "negative", batchSize: -1, flush: -5, wantBatch: defaultBatchSize, wantFlush: defaultFlushInterval * 1000},
		{name: "explicit", batchSize: 7, flush: 2, wantBatch: 7, wantFlush: 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := writeOptions(config.InfluxDBConfig{BatchSize: tt.batchSize, FlushInterval: tt.flush})
			if got := opts.BatchSize(); got != tt.wantBatch {
				t.Errorf("BatchSize() = %d, want %d", got, tt.wantBatch)
			}
			if got := opts.FlushInterval(); got != tt.wantFlush {
				t.Errorf("FlushInterval() = %d, want %d", got, tt.wantFlush)
			}
			if got := opts.WriteOptions().DefaultTags()[sourceTag]; got != sourceValue {
				t.Errorf("default tag %s = %q, want %q", sourceTag, got, sourceValue)
			}
		})
	}
}

func TestEntityStatePoint(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	p := entityStatePoint("light.kitchen", "light", "on",
		map[string]float64{"value": 1, "brightness": 200, "state": 9}, ts)

	if p.Name() != MeasurementEntityState {
		t.Errorf("Name() = %q, want %q", p.Name(), MeasurementEntityState)
	}
	if !p.Time().Equal(ts) {
		t.Errorf("Time() = %v, want %v", p.Time(), ts)
	}

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["entity_id"] != "light.kitchen" || tags["domain"] != "light" {
		t.Errorf("tags = %v", tags)
	}

	fields := map[string]interface{}{}
	var order []string
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
		order = append(order, f.Key)
	}
	if fields["state"] != "on" {
		t.Errorf("state field = %v, want on (numeric state key must not override it)", fields["state"])
	}
	if fields["brightness"] != float64(200) || fields["value"] != float64(1) {
		t.Errorf("numeric fields = %v", fields)
	}
	if len(order) != 3 {
		t.Errorf("got %d fields %v, want 3", len(order), order)
	}
}

func TestEntityStatePoint_ZeroTimeIsNow(t *testing.T) {
	before := time.Now()
	p := entityStatePoint("sensor.x", "sensor", "1", nil, time.Time{})
	if p.Time().Before(before) {
		t.Errorf("Time() = %v, want >= %v", p.Time(), before)
	}
}

func TestWriteErrorCallback(t *testing.T) {
	fake, srv := newFakeInflux(t)
	fake.status = http.StatusBadRequest

	c, err := Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	errCh := make(chan error, 1)
	c.SetOnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	c.WritePoint("entity_state", map[string]string{"entity_id": "x.y"}, map[string]interface{}{"state": "on"})
	c.Flush()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), `bucket "telemetry"`) {
			t.Errorf("write error = %v, want it to name the bucket", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write error callback not invoked")
	}
}

func TestClose_Idempotent(t *testing.T) {
	_, srv := newFakeInflux(t)

	c, err := Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}

	// Writes after Close are dropped silently.
	c.WritePoint("entity_state", nil, map[string]interface{}{"state": "on"})
	c.Flush()
}

func TestClose_Nil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
