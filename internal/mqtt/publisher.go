// Package mqtt publishes portal data to Home Assistant over MQTT
// discovery and accepts meter reading submissions back through command
// topics. Each billing account becomes an HA device; each meter scale
// becomes a sensor plus a number entity for submitting a new reading.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/eircbridge/eircbridge/internal/buildinfo"
	"github.com/eircbridge/eircbridge/internal/config"
	"github.com/eircbridge/eircbridge/internal/coordinator"
	"github.com/eircbridge/eircbridge/internal/eirc"
)

// Bridge is the slice of the coordinator the publisher needs: read the
// current snapshot and push readings back to the portal.
type Bridge interface {
	Snapshot() (coordinator.Snapshot, bool)
	Status() coordinator.Status
	SubmitReading(ctx context.Context, registration string, scaleID int64, value float64) error
}

// Publisher manages the MQTT connection, publishes HA discovery
// config messages on (re-)connect and on snapshot changes, and runs a
// periodic loop that pushes state updates to the broker.
type Publisher struct {
	cfg          config.MQTTConfig
	instanceID   string
	bridgeDevice DeviceInfo
	bridge       Bridge
	logger       *slog.Logger
	limiter      *commandRateLimiter
	cm           *autopaho.ConnectionManager

	mu         sync.Mutex
	discovered map[string]bool // unique_id → discovery published
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, bridge Bridge, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:          cfg,
		instanceID:   instanceID,
		bridgeDevice: NewBridgeDevice(instanceID, cfg.DeviceName),
		bridge:       bridge,
		logger:       logger,
		limiter:      newCommandRateLimiter(commandRateLimit, time.Minute, logger),
		discovered:   make(map[string]bool),
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// republishes all discovery configs, subscribes to the command topics,
// and publishes a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.mu.Lock()
			p.discovered = make(map[string]bool)
			p.mu.Unlock()
			p.subscribeCommands(ctx, cm)
			if snap, ok := p.bridge.Snapshot(); ok {
				p.ensureDiscovery(ctx, cm, snap)
			}
			p.publishBridgeDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "eircbridge-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleCommand(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Used by connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// OnSnapshot is registered as a coordinator listener. Every new
// snapshot gets discovery for meters not seen before plus fresh state
// for everything.
func (p *Publisher) OnSnapshot(snap coordinator.Snapshot) {
	if p.cm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.ensureDiscovery(ctx, p.cm, snap)
	p.publishSnapshotStates(ctx, snap)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "eircbridge/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) meterStateTopic(registration string, scaleID int64) string {
	return fmt.Sprintf("%s/meter/%s/%d/state", p.baseTopic(), registration, scaleID)
}

func (p *Publisher) meterAttrTopic(registration string, scaleID int64) string {
	return fmt.Sprintf("%s/meter/%s/%d/attributes", p.baseTopic(), registration, scaleID)
}

func (p *Publisher) meterCommandTopic(registration string, scaleID int64) string {
	return fmt.Sprintf("%s/meter/%s/%d/set", p.baseTopic(), registration, scaleID)
}

func (p *Publisher) balanceStateTopic(tenancy string) string {
	return p.baseTopic() + "/account/" + tenancy + "/balance/state"
}

func (p *Publisher) balanceAttrTopic(tenancy string) string {
	return p.baseTopic() + "/account/" + tenancy + "/balance/attributes"
}

func (p *Publisher) bridgeStateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, uniqueID string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + uniqueID + "/config"
}

// --- Unique IDs ---

func meterUniqueID(tenancy, registration string, scaleID int64) string {
	return fmt.Sprintf("eirc_meter_%s_%s_%d", tenancy, registration, scaleID)
}

func balanceUniqueID(tenancy string) string {
	return "eirc_balance_" + tenancy
}

// scaleDisplayName labels one scale of a meter. Electricity meters get
// tariff-style names ("Day Tariff"); everything else keeps the meter
// name with the scale appended when a meter has several scales.
func scaleDisplayName(m eirc.Meter, ind eirc.Indication) string {
	if m.Kind() == "electricity" {
		return ind.ScaleName + " Tariff"
	}
	if len(m.Indications) > 1 {
		return m.Name + " " + ind.ScaleName
	}
	return m.Name
}

// --- Discovery ---

// ensureDiscovery publishes retained discovery configs for every
// entity in the snapshot that hasn't been announced on this
// connection.
func (p *Publisher) ensureDiscovery(ctx context.Context, cm *autopaho.ConnectionManager, snap coordinator.Snapshot) {
	avail := p.availabilityTopic()

	for tenancy, data := range snap.Accounts {
		device := NewAccountDevice(p.instanceID, p.cfg.DeviceName, tenancy, data.Account.Alias)

		balanceID := balanceUniqueID(tenancy)
		if !p.alreadyDiscovered(balanceID) {
			// Short names relative to the device; HA derives the full
			// entity ID from object_id and the device, avoiding
			// double-prefixed IDs.
			p.publishConfig(ctx, cm, p.discoveryTopic("sensor", balanceID), balanceID, SensorConfig{
				Name:                "Balance",
				ObjectID:            balanceID,
				HasEntityName:       true,
				UniqueID:            balanceID,
				StateTopic:          p.balanceStateTopic(tenancy),
				JsonAttributesTopic: p.balanceAttrTopic(tenancy),
				AvailabilityTopic:   avail,
				Device:              device,
				Icon:                "mdi:cash-multiple",
				UnitOfMeasurement:   "RUB",
				DeviceClass:         "monetary",
				StateClass:          "total",
			})
		}

		for _, m := range data.Meters {
			for _, ind := range m.Indications {
				reg := m.ID.Registration
				uid := meterUniqueID(tenancy, reg, ind.MeterScaleID)
				if p.alreadyDiscovered(uid) {
					continue
				}

				icon := "mdi:gauge"
				deviceClass := ""
				if m.Kind() == "electricity" {
					icon = "mdi:flash"
					deviceClass = "energy"
				}

				p.publishConfig(ctx, cm, p.discoveryTopic("sensor", uid), uid, SensorConfig{
					Name:                scaleDisplayName(m, ind),
					ObjectID:            uid,
					HasEntityName:       true,
					UniqueID:            uid,
					StateTopic:          p.meterStateTopic(reg, ind.MeterScaleID),
					JsonAttributesTopic: p.meterAttrTopic(reg, ind.MeterScaleID),
					AvailabilityTopic:   avail,
					Device:              device,
					Icon:                icon,
					UnitOfMeasurement:   ind.Unit,
					DeviceClass:         deviceClass,
					StateClass:          "total_increasing",
				})

				numberID := uid + "_submit"
				p.publishConfig(ctx, cm, p.discoveryTopic("number", numberID), numberID, NumberConfig{
					Name:              scaleDisplayName(m, ind) + " Submit Reading",
					ObjectID:          numberID,
					HasEntityName:     true,
					UniqueID:          numberID,
					StateTopic:        p.meterStateTopic(reg, ind.MeterScaleID),
					CommandTopic:      p.meterCommandTopic(reg, ind.MeterScaleID),
					AvailabilityTopic: avail,
					Device:            device,
					Icon:              "mdi:counter",
					UnitOfMeasurement: ind.Unit,
					Min:               0,
					Max:               9999999,
					Step:              0.001,
					Mode:              "box",
				})
			}
		}
	}
}

// bridgeSensors are the diagnostics entities on the bridge device.
func (p *Publisher) bridgeSensors() []SensorConfig {
	avail := p.availabilityTopic()
	mk := func(suffix, name, icon string) SensorConfig {
		return SensorConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.bridgeStateTopic(suffix),
			AvailabilityTopic: avail,
			Device:            p.bridgeDevice,
			Icon:              icon,
			EntityCategory:    "diagnostic",
		}
	}
	return []SensorConfig{
		mk("uptime", "Uptime", "mdi:clock-outline"),
		mk("version", "Version", "mdi:tag"),
		mk("last_poll", "Last Poll", "mdi:clock-check"),
		mk("poll_failures", "Consecutive Poll Failures", "mdi:alert-circle-outline"),
	}
}

func (p *Publisher) publishBridgeDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.bridgeSensors() {
		p.publishConfig(ctx, cm, p.discoveryTopic("sensor", s.UniqueID), s.UniqueID, s)
	}
}

func (p *Publisher) alreadyDiscovered(uniqueID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discovered[uniqueID]
}

func (p *Publisher) publishConfig(ctx context.Context, cm *autopaho.ConnectionManager, topic, uniqueID string, cfg any) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "unique_id", uniqueID, "error", err)
		return
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt discovery publish failed",
			"unique_id", uniqueID, "topic", topic, "error", err)
		return
	}

	p.mu.Lock()
	p.discovered[uniqueID] = true
	p.mu.Unlock()
	p.logger.Debug("mqtt discovery published", "unique_id", uniqueID, "topic", topic)
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishAll(ctx)
		}
	}
}

func (p *Publisher) publishAll(ctx context.Context) {
	if p.cm == nil {
		return
	}
	if snap, ok := p.bridge.Snapshot(); ok {
		p.publishSnapshotStates(ctx, snap)
	}
	p.publishBridgeStates(ctx)
}

func (p *Publisher) publishSnapshotStates(ctx context.Context, snap coordinator.Snapshot) {
	published := 0
	for tenancy, data := range snap.Accounts {
		p.publishState(ctx, p.balanceStateTopic(tenancy),
			strconv.FormatFloat(data.Balance.Amount, 'f', 2, 64))
		p.publishJSON(ctx, p.balanceAttrTopic(tenancy), map[string]any{
			"bill_id":  data.Balance.BillID,
			"tenancy":  tenancy,
			"stale":    data.Stale,
			"as_of":    data.Balance.AsOf.Format(time.RFC3339),
			"provider": data.Account.Service.ProviderCode,
		})
		published++

		for _, m := range data.Meters {
			for _, ind := range m.Indications {
				reg := m.ID.Registration
				p.publishState(ctx, p.meterStateTopic(reg, ind.MeterScaleID),
					strconv.FormatFloat(ind.PreviousReading, 'f', -1, 64))
				p.publishJSON(ctx, p.meterAttrTopic(reg, ind.MeterScaleID), map[string]any{
					"registration": reg,
					"scale":        ind.ScaleName,
					"unit":         ind.Unit,
					"reading_date": ind.PreviousReadingDate,
					"meter_kind":   m.Kind(),
					"stale":        data.Stale,
				})
				published++
			}
		}
	}
	p.logger.Debug("mqtt snapshot states published",
		"entities", published, "version", snap.Version)
}

func (p *Publisher) publishBridgeStates(ctx context.Context) {
	status := p.bridge.Status()

	lastPoll := "never"
	if !status.FetchedAt.IsZero() {
		lastPoll = status.FetchedAt.Format(time.RFC3339)
	}

	states := map[string]string{
		"uptime":        buildinfo.Uptime().Truncate(time.Second).String(),
		"version":       buildinfo.Version,
		"last_poll":     lastPoll,
		"poll_failures": strconv.Itoa(status.ConsecutiveFailures),
	}
	for entity, value := range states {
		p.publishState(ctx, p.bridgeStateTopic(entity), value)
	}
}

func (p *Publisher) publishState(ctx context.Context, topic, value string) {
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(value),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishJSON(ctx context.Context, topic string, value map[string]any) {
	payload, err := json.Marshal(value)
	if err != nil {
		p.logger.Error("mqtt marshal attributes", "topic", topic, "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt attributes publish failed", "topic", topic, "error", err)
	}
}
