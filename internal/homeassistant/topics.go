// Package homeassistant builds the topics and MQTT discovery payloads that
// let Home Assistant create entities for monitored services.
package homeassistant

import (
	"regexp"
	"strings"
)

const (
	ComponentBinarySensor = "binary_sensor"
	ComponentSensor       = "sensor"
)

var invalidTopicChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sanitize replaces every character Home Assistant rejects in a discovery
// object id with '_'.
func Sanitize(s string) string {
	return invalidTopicChars.ReplaceAllString(s, "_")
}

// Topics derives every topic the agent publishes to.
type Topics struct {
	// Prefix is the agent topic prefix, "systemctl" by default
	Prefix string
	// Host is the hostname label
	Host string
	// DiscoveryPrefix is the Home Assistant discovery prefix
	DiscoveryPrefix string
}

func (t Topics) base() string {
	return t.Prefix + "/" + t.Host
}

func (t Topics) Status() string {
	return t.base() + "/status"
}

func (t Topics) Version() string {
	return t.base() + "/version"
}

func (t Topics) Events(service string) string {
	return t.base() + "/" + service + "/events"
}

func (t Topics) Stats(service string) string {
	return t.base() + "/" + service + "/stats"
}

// Discovery returns the config topic for an entity. objectID is sanitized.
func (t Topics) Discovery(component, objectID string) string {
	return strings.Join([]string{
		t.DiscoveryPrefix,
		component,
		t.Prefix,
		t.Host + "_" + Sanitize(objectID),
		"config",
	}, "/")
}

// EventsObjectID names the binary sensor of a service.
func EventsObjectID(service string) string {
	return service + "_events"
}

// StatsObjectID names the sensor of one stats field of a service.
func StatsObjectID(service, field string) string {
	return service + "_" + field + "_stats"
}
