package config

import (
	"fmt"
	"sort"
)

// Sensor describes the raw frame geometry a camera sensor delivers.
type Sensor struct {
	Name   string
	Width  int
	Height int
	// Stride is the number of bytes per row, padding included.
	Stride int
}

// FrameSize is the largest payload the sensor produces in bytes.
func (s Sensor) FrameSize() int {
	return s.Height * s.Stride
}

// Known sensors. Strides match the buffers the capture driver emits.
var sensors = map[string]Sensor{
	"imx298": {Name: "imx298", Width: 1164, Height: 874, Stride: 1164 * 3},
	"ov8865": {Name: "ov8865", Width: 1632, Height: 1224, Stride: 2040},
}

// LookupSensor returns the catalog entry for name.
func LookupSensor(name string) (Sensor, error) {
	s, ok := sensors[name]
	if !ok {
		return Sensor{}, fmt.Errorf("config: unknown sensor %q (known: %v)", name, SensorNames())
	}
	return s, nil
}

// SensorNames lists the catalog in sorted order.
func SensorNames() []string {
	names := make([]string, 0, len(sensors))
	for n := range sensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
