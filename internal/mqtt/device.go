package mqtt

import "github.com/eircbridge/eircbridge/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared by
// the discovery payloads of one device. Every billing account becomes
// its own HA device so its meters and balance group together; the
// bridge itself is a separate device carrying the diagnostics
// entities.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published retained on every broker (re-)connect and
// whenever a new meter appears in a snapshot.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// NumberConfig is the discovery payload for an HA MQTT number entity.
// One is published per meter scale so readings can be submitted
// straight from the HA UI; the command topic feeds the reading
// submission path.
type NumberConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	CommandTopic      string     `json:"command_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	Min               float64    `json:"min"`
	Max               float64    `json:"max"`
	Step              float64    `json:"step"`
	Mode              string     `json:"mode,omitempty"`
}

// NewBridgeDevice creates the DeviceInfo for the bridge's own
// diagnostics entities. The persistent instance ID is the primary HA
// identifier so entity history survives device renames.
func NewBridgeDevice(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "eircbridge",
		Model:        "EIRC Bridge",
		SWVersion:    buildinfo.Version,
	}
}

// NewAccountDevice creates the DeviceInfo for one billing account,
// linked under the bridge device. The tenancy register keys the
// identifier so the device is stable across alias changes.
func NewAccountDevice(instanceID, deviceName, tenancy, alias string) DeviceInfo {
	name := alias
	if name == "" {
		name = "Account " + tenancy
	}
	return DeviceInfo{
		Identifiers:  []string{instanceID + "_" + tenancy},
		Name:         name,
		Manufacturer: "EIRC",
		Model:        "Billing Account",
		SWVersion:    buildinfo.Version,
		ViaDevice:    instanceID,
	}
}
