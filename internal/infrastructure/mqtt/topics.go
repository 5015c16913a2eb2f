package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes of the fleet wire contract.
const (
	// TopicPrefixDevice is the base for every per-device topic:
	// device/{serial}/{status|lwt|cmd}
	TopicPrefixDevice = "device"

	// TopicPrefixRelay is the base for the relay's own presence topic.
	TopicPrefixRelay = "relay"
)

// Device topic kinds (third segment).
const (
	KindStatus  = "status"
	KindLWT     = "lwt"
	KindCommand = "cmd"
)

// Topics provides builders for the fleet's MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceCommand("D2") // "device/D2/cmd"
type Topics struct{}

// DeviceStatus returns the status topic a device publishes to.
//
// Example: device/SN-1/status
func (Topics) DeviceStatus(serial string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevice, serial, KindStatus)
}

// DeviceLWT returns the liveness topic for a device.
//
// Example: device/SN-1/lwt
func (Topics) DeviceLWT(serial string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevice, serial, KindLWT)
}

// DeviceCommand returns the topic commands are published to.
//
// Example: device/SN-1/cmd
func (Topics) DeviceCommand(serial string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevice, serial, KindCommand)
}

// AllDeviceStatus matches every device status topic.
func (Topics) AllDeviceStatus() string {
	return TopicPrefixDevice + "/+/" + KindStatus
}

// AllDeviceLWT matches every device liveness topic.
func (Topics) AllDeviceLWT() string {
	return TopicPrefixDevice + "/+/" + KindLWT
}

// RelayStatus returns the retained presence topic for this relay instance.
//
// Example: relay/fleet-relay/status
func (Topics) RelayStatus(clientID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixRelay, clientID)
}

// ParseDeviceTopic splits device/{serial}/{kind}.
// ok is false for any other shape, including empty serials.
func ParseDeviceTopic(topic string) (serial, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefixDevice || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
