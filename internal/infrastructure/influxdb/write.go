package influxdb

import (
	"sort"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the relay.
const (
	MeasurementDeviceStatus   = "device_status"
	MeasurementDeviceLiveness = "device_liveness"
)

// maxFieldDepth bounds how far nested status objects are flattened.
const maxFieldDepth = 3

// WriteDeviceStatus records the numeric and boolean fields of a decoded
// status payload for one device. Nested objects are flattened with dotted
// keys ("power.watts"). Strings, arrays and nulls are skipped.
//
// It returns the number of fields written; zero means nothing was sent,
// either because the payload carried no numeric fields or the client is
// closed.
//
// Example:
//
//	// {"relay":"on","power":{"watts":12.5},"uptime":360}
//	n := client.WriteDeviceStatus("SN-0001", parsed, time.Now())
//	// n == 2: power.watts, uptime
func (c *Client) WriteDeviceStatus(serial string, parsed any, at time.Time) int {
	if !c.IsConnected() {
		return 0
	}

	fields := StatusFields(parsed)
	if len(fields) == 0 {
		return 0
	}

	point := write.NewPoint(
		MeasurementDeviceStatus,
		map[string]string{"serial": serial},
		fields,
		at,
	)
	c.writer.WritePoint(point)
	return len(fields)
}

// WriteLiveness records a liveness transition as a boolean field.
func (c *Client) WriteLiveness(serial string, online bool, at time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		MeasurementDeviceLiveness,
		map[string]string{"serial": serial},
		map[string]interface{}{"online": online},
		at,
	)
	c.writer.WritePoint(point)
}

// StatusFields extracts the telemetry fields from a decoded JSON value.
// Only objects yield fields; any other top-level value returns nil.
func StatusFields(parsed any) map[string]interface{} {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil
	}
	fields := make(map[string]interface{})
	collectFields(fields, "", obj, 1)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func collectFields(dst map[string]interface{}, prefix string, obj map[string]any, depth int) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch v := obj[k].(type) {
		case float64:
			dst[name] = v
		case bool:
			dst[name] = v
		case int:
			dst[name] = float64(v)
		case int64:
			dst[name] = float64(v)
		case map[string]any:
			if depth < maxFieldDepth {
				collectFields(dst, name, v, depth+1)
			}
		}
	}
}
