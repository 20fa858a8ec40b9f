package homeassistant

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	PayloadOn  = "on"
	PayloadOff = "off"

	eventsValueTemplate = `{{ value_json.state if value_json is not undefined and value_json.state is not undefined else "off" }}`
	statsValueTemplate  = `{{ value_json.%[1]s if value_json is not undefined and value_json.%[1]s is not undefined else None }}`
)

// StatsField is one sensor published per service from the stats rollup.
type StatsField struct {
	Label          string
	Field          string
	DeviceClass    string
	Unit           string
	Icon           string
	EntityCategory string
}

// StatsFields are the rollup fields exposed as sensors.
var StatsFields = []StatsField{
	{Label: "CPU", Field: "cpu", Unit: "%", Icon: "mdi:chip"},
	{Label: "Memory", Field: "memory", DeviceClass: "data_size", Unit: "MB", Icon: "mdi:memory"},
	{Label: "Processes", Field: "processes", Icon: "mdi:format-list-numbered", EntityCategory: "diagnostic"},
}

// Device groups entities in Home Assistant.
type Device struct {
	Identifiers string `json:"identifiers"`
	Name        string `json:"name"`
	Model       string `json:"model,omitempty"`
}

// Entity is a discovery payload. Empty fields are omitted; Home Assistant
// rejects empty strings for most of them.
type Entity struct {
	Name                string  `json:"name,omitempty"`
	UniqueID            string  `json:"unique_id,omitempty"`
	AvailabilityTopic   string  `json:"availability_topic,omitempty"`
	PayloadAvailable    string  `json:"payload_available,omitempty"`
	PayloadNotAvailable string  `json:"payload_not_available,omitempty"`
	StateTopic          string  `json:"state_topic,omitempty"`
	ValueTemplate       string  `json:"value_template,omitempty"`
	PayloadOn           string  `json:"payload_on,omitempty"`
	PayloadOff          string  `json:"payload_off,omitempty"`
	Icon                string  `json:"icon,omitempty"`
	UnitOfMeasurement   string  `json:"unit_of_measurement,omitempty"`
	Device              *Device `json:"device,omitempty"`
	DeviceClass         string  `json:"device_class,omitempty"`
	EntityCategory      string  `json:"entity_category,omitempty"`
	JSONAttributesTopic string  `json:"json_attributes_topic,omitempty"`
	QoS                 int     `json:"qos"`
}

// Options configures a Discovery.
type Options struct {
	Topics       Topics
	QoS          int
	SingleDevice bool
	// SystemdVersion is the first line of `systemctl --version`
	SystemdVersion string
}

// Discovery renders the discovery payloads of a service.
type Discovery struct {
	topics       Topics
	qos          int
	singleDevice bool
	model        string
}

func New(opts Options) *Discovery {
	return &Discovery{
		topics:       opts.Topics,
		qos:          opts.QoS,
		singleDevice: opts.SingleDevice,
		model:        Model(opts.SystemdVersion),
	}
}

// Topics returns the topic layout used by this discovery.
func (d *Discovery) Topics() Topics {
	return d.topics
}

// Model describes the host the way the device model field shows it, for
// example "Linux x86_64 systemd 252 (252.22-1~deb12u1)".
func Model(systemdVersion string) string {
	parts := []string{title(runtime.GOOS), machine()}
	if systemdVersion != "" {
		parts = append(parts, systemdVersion)
	}
	return strings.Join(parts, " ")
}

func title(s string) string {
	return cases.Title(language.English).String(s)
}

// Device returns the device block for a service. In single device mode all
// services share the host device.
func (d *Discovery) Device(service string) *Device {
	host, prefix := d.topics.Host, d.topics.Prefix
	if d.singleDevice {
		return &Device{
			Identifiers: host + "_" + prefix,
			Name:        host + " " + title(prefix),
			Model:       d.model,
		}
	}
	return &Device{
		Identifiers: host + "_" + prefix + "_" + service,
		Name:        host + " " + title(prefix) + " " + service,
		Model:       d.model,
	}
}

func (d *Discovery) entityName(service, label string) string {
	if d.singleDevice {
		return service + " " + label
	}
	return label
}

func (d *Discovery) uniqueID(configTopic string) string {
	return d.topics.Prefix + "_" + d.topics.Host + "_" + configTopic
}

// EventsEntity returns the config topic and payload of the binary sensor
// tracking whether the service is running.
func (d *Discovery) EventsEntity(service string) (string, Entity) {
	topic := d.topics.Discovery(ComponentBinarySensor, EventsObjectID(service))
	events := d.topics.Events(service)
	return topic, Entity{
		Name:                d.entityName(service, "Events"),
		UniqueID:            d.uniqueID(topic),
		AvailabilityTopic:   d.topics.Status(),
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		StateTopic:          events,
		ValueTemplate:       eventsValueTemplate,
		PayloadOn:           PayloadOn,
		PayloadOff:          PayloadOff,
		Icon:                "mdi:console",
		Device:              d.Device(service),
		DeviceClass:         "running",
		JSONAttributesTopic: events,
		QoS:                 d.qos,
	}
}

// StatsEntity returns the config topic and payload of one stats sensor.
func (d *Discovery) StatsEntity(service string, field StatsField) (string, Entity) {
	topic := d.topics.Discovery(ComponentSensor, StatsObjectID(service, field.Field))
	stats := d.topics.Stats(service)
	return topic, Entity{
		Name:                d.entityName(service, field.Label),
		UniqueID:            d.uniqueID(topic),
		AvailabilityTopic:   d.topics.Status(),
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
		StateTopic:          stats,
		ValueTemplate:       fmt.Sprintf(statsValueTemplate, field.Field),
		Icon:                field.Icon,
		UnitOfMeasurement:   field.Unit,
		Device:              d.Device(service),
		DeviceClass:         field.DeviceClass,
		EntityCategory:      field.EntityCategory,
		JSONAttributesTopic: stats,
		QoS:                 d.qos,
	}
}

// Message is one retained publish of a registration or retraction.
type Message struct {
	Topic   string
	Payload []byte
}

// Registration returns, in publish order, the binary sensor config, the
// initial events payload, one sensor config per stats field and the empty
// initial stats payload.
func (d *Discovery) Registration(service string, eventPayload []byte) ([]Message, error) {
	msgs := make([]Message, 0, len(StatsFields)+3)

	topic, entity := d.EventsEntity(service)
	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode events discovery for %s: %w", service, err)
	}
	msgs = append(msgs, Message{Topic: topic, Payload: payload})
	msgs = append(msgs, Message{Topic: d.topics.Events(service), Payload: eventPayload})

	for _, field := range StatsFields {
		topic, entity := d.StatsEntity(service, field)
		payload, err := json.Marshal(entity)
		if err != nil {
			return nil, fmt.Errorf("encode %s discovery for %s: %w", field.Field, service, err)
		}
		msgs = append(msgs, Message{Topic: topic, Payload: payload})
	}
	msgs = append(msgs, Message{Topic: d.topics.Stats(service), Payload: []byte("{}")})
	return msgs, nil
}

// Retraction returns every topic Registration publishes to, each with an
// empty payload.
func (d *Discovery) Retraction(service string) []Message {
	msgs := []Message{
		{Topic: d.topics.Discovery(ComponentBinarySensor, EventsObjectID(service)), Payload: []byte{}},
		{Topic: d.topics.Events(service), Payload: []byte{}},
	}
	for _, field := range StatsFields {
		msgs = append(msgs, Message{
			Topic:   d.topics.Discovery(ComponentSensor, StatsObjectID(service, field.Field)),
			Payload: []byte{},
		})
	}
	return append(msgs, Message{Topic: d.topics.Stats(service), Payload: []byte{}})
}
