package mqtt

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eircbridge/eircbridge/internal/config"
	"github.com/eircbridge/eircbridge/internal/eirc"
)

func testPublisher(t *testing.T) *Publisher {
	t.Helper()
	cfg := config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "eircbridge",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
	return New(cfg, "instance-123", nil, slog.New(slog.DiscardHandler))
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewAccountDevice(t *testing.T) {
	dev := NewAccountDevice("instance-123", "eircbridge", "100-200", "Flat 12")
	if dev.Name != "Flat 12" {
		t.Errorf("Name = %q, want alias", dev.Name)
	}
	if len(dev.Identifiers) != 1 || dev.Identifiers[0] != "instance-123_100-200" {
		t.Errorf("Identifiers = %v", dev.Identifiers)
	}
	if dev.ViaDevice != "instance-123" {
		t.Errorf("ViaDevice = %q, want bridge instance ID", dev.ViaDevice)
	}

	// Without an alias the tenancy register names the device.
	dev = NewAccountDevice("instance-123", "eircbridge", "100-200", "")
	if dev.Name != "Account 100-200" {
		t.Errorf("Name = %q for empty alias", dev.Name)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := testPublisher(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "eircbridge/eircbridge"},
		{"availabilityTopic", p.availabilityTopic(), "eircbridge/eircbridge/availability"},
		{"meterStateTopic", p.meterStateTopic("EL-555", 1), "eircbridge/eircbridge/meter/EL-555/1/state"},
		{"meterCommandTopic", p.meterCommandTopic("EL-555", 1), "eircbridge/eircbridge/meter/EL-555/1/set"},
		{"balanceStateTopic", p.balanceStateTopic("100-200"), "eircbridge/eircbridge/account/100-200/balance/state"},
		{"discoveryTopic", p.discoveryTopic("sensor", "eirc_balance_100-200"), "homeassistant/sensor/eircbridge/eirc_balance_100-200/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestMeterUniqueID(t *testing.T) {
	got := meterUniqueID("100-200", "EL-555", 2)
	if got != "eirc_meter_100-200_EL-555_2" {
		t.Errorf("meterUniqueID = %q", got)
	}
}

func TestScaleDisplayName(t *testing.T) {
	electric := eirc.Meter{
		Name:         "Meter EL-555",
		SubserviceID: 54179,
		Indications: []eirc.Indication{
			{MeterScaleID: 1, ScaleName: "Day"},
			{MeterScaleID: 2, ScaleName: "Night"},
		},
	}
	if got := scaleDisplayName(electric, electric.Indications[0]); got != "Day Tariff" {
		t.Errorf("electricity scale name = %q, want %q", got, "Day Tariff")
	}

	water := eirc.Meter{
		Name:        "Cold Water",
		Indications: []eirc.Indication{{MeterScaleID: 5, ScaleName: "Total"}},
	}
	if got := scaleDisplayName(water, water.Indications[0]); got != "Cold Water" {
		t.Errorf("single-scale meter name = %q, want meter name", got)
	}

	multi := eirc.Meter{
		Name: "Heating",
		Indications: []eirc.Indication{
			{MeterScaleID: 1, ScaleName: "A"},
			{MeterScaleID: 2, ScaleName: "B"},
		},
	}
	if got := scaleDisplayName(multi, multi.Indications[1]); got != "Heating B" {
		t.Errorf("multi-scale meter name = %q", got)
	}
}

func TestBridgeSensors(t *testing.T) {
	p := testPublisher(t)
	defs := p.bridgeSensors()

	want := map[string]bool{
		"uptime": false, "version": false, "last_poll": false, "poll_failures": false,
	}
	for _, d := range defs {
		// Short names relative to the device; the device name in the
		// entity name makes HA double-prefix entity IDs.
		if strings.Contains(d.Name, p.cfg.DeviceName) {
			t.Errorf("sensor %s: Name %q contains device name", d.UniqueID, d.Name)
		}
		if !d.HasEntityName {
			t.Errorf("sensor %s: HasEntityName = false, want true", d.UniqueID)
		}
		if d.AvailabilityTopic != p.availabilityTopic() {
			t.Errorf("sensor %s: AvailabilityTopic = %q", d.UniqueID, d.AvailabilityTopic)
		}
		if !strings.HasPrefix(d.UniqueID, "instance-123_") {
			t.Errorf("sensor UniqueID = %q, should be instance-scoped", d.UniqueID)
		}
		if d.EntityCategory != "diagnostic" {
			t.Errorf("sensor %s: EntityCategory = %q", d.UniqueID, d.EntityCategory)
		}
		if _, ok := want[d.ObjectID]; ok {
			want[d.ObjectID] = true
		}
	}
	for suffix, seen := range want {
		if !seen {
			t.Errorf("missing bridge sensor %q", suffix)
		}
	}
}

func TestParseCommandTopic(t *testing.T) {
	base := "eircbridge/eircbridge"
	tests := []struct {
		topic   string
		wantReg string
		wantID  int64
		wantOK  bool
	}{
		{"eircbridge/eircbridge/meter/EL-555/1/set", "EL-555", 1, true},
		{"eircbridge/eircbridge/meter/WA-9/42/set", "WA-9", 42, true},
		{"eircbridge/eircbridge/meter/EL-555/1/state", "", 0, false},
		{"eircbridge/eircbridge/meter/EL-555/abc/set", "", 0, false},
		{"eircbridge/eircbridge/meter//1/set", "", 0, false},
		{"eircbridge/other/meter/EL-555/1/set", "", 0, false},
		{"eircbridge/eircbridge/availability", "", 0, false},
	}
	for _, tt := range tests {
		reg, id, ok := parseCommandTopic(base, tt.topic)
		if ok != tt.wantOK || reg != tt.wantReg || id != tt.wantID {
			t.Errorf("parseCommandTopic(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tt.topic, reg, id, ok, tt.wantReg, tt.wantID, tt.wantOK)
		}
	}
}

func TestCommandRateLimiter(t *testing.T) {
	r := newCommandRateLimiter(3, 0, slog.New(slog.DiscardHandler))

	for i := 0; i < 3; i++ {
		if !r.allow() {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if r.allow() {
		t.Error("call over the limit should be dropped")
	}
	if got := r.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestSensorConfigOmitsEmptyFields(t *testing.T) {
	cfg := SensorConfig{
		Name:              "Test",
		UniqueID:          "test_1",
		StateTopic:        "eircbridge/test/state",
		AvailabilityTopic: "eircbridge/test/availability",
		Device:            DeviceInfo{Identifiers: []string{"id"}, Name: "d"},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	for _, field := range []string{"json_attributes_topic", "device_class", "state_class", "entity_category"} {
		if strings.Contains(string(data), `"`+field+`"`) {
			t.Errorf("%s should be omitted when empty:\n%s", field, data)
		}
	}
}
