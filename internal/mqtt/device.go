package mqtt

import (
	"strings"

	"github.com/nugget/envnode/internal/buildinfo"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across all discovery payloads, so every quantity this node reports
// lands on one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) on every session (re-)connect.
type SensorConfig struct {
	Name              string     `json:"name"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	ValueTemplate     string     `json:"value_template,omitempty"`
}

// Entity is one reported quantity: a value in group Group (the sensor
// kind) named Name, measured in Unit.
type Entity struct {
	Group string
	Name  string
	Unit  string
}

// NewDeviceInfo creates a DeviceInfo. The instance ID is the primary
// identifier so renaming the node keeps its entity history.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "envnode",
		Model:        "Environmental Sensor Node",
		SWVersion:    buildinfo.Version,
	}
}

// haUnits maps telemetry units to the ones Home Assistant expects.
var haUnits = map[string]string{
	"C": "°C",
}

// haDeviceClasses maps quantity names to HA sensor device classes.
var haDeviceClasses = map[string]string{
	"temperature": "temperature",
	"humidity":    "humidity",
	"pressure":    "pressure",
	"co2":         "carbon_dioxide",
	"altitude":    "distance",
}

// sensorConfig builds the discovery payload for e. Values are pulled
// out of the shared telemetry message with a template.
func sensorConfig(e Entity, device DeviceInfo, instanceID, stateTopic, availTopic string) SensorConfig {
	unit := e.Unit
	if u, ok := haUnits[unit]; ok {
		unit = u
	}
	return SensorConfig{
		Name:              e.Group + " " + e.Name,
		HasEntityName:     true,
		UniqueID:          instanceID + "_" + entityID(e),
		StateTopic:        stateTopic,
		AvailabilityTopic: availTopic,
		Device:            device,
		DeviceClass:       haDeviceClasses[e.Name],
		UnitOfMeasurement: unit,
		StateClass:        "measurement",
		ValueTemplate:     "{{ value_json['" + e.Group + "']['" + e.Name + "'].value }}",
	}
}

func entityID(e Entity) string {
	return topicSafe(e.Group) + "_" + topicSafe(e.Name)
}

// topicSafe lowercases s and replaces anything outside [a-z0-9_-] so
// it can be used as a topic level and HA object id.
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, s)
}
