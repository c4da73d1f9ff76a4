package printer

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haghost5/hag5bridge/feed"
)

// Sensor keys. They double as entity object ids and metric label values.
const (
	KeyNozzleTemperature = "nozzle_temperature"
	KeyNozzleTarget      = "nozzle_target"
	KeyBedTemperature    = "bed_temperature"
	KeyBedTarget         = "bed_target"
	KeyProgress          = "progress"
	KeyElapsedTime       = "elapsed_time"
	KeyFilename          = "filename"
	KeyStatus            = "printer_status"
	KeyStepsPerUnit      = "steps_per_unit"
	KeyLastMessage       = "last_message"
	KeyPrinterIP         = "printer_ip"
	KeyOnline            = "online"
	KeyIdle              = "idle"
)

// Home Assistant caps entity states at 255 characters.
const maxStateLength = 255

// Reading is the last known value of one sensor. A nil State means the
// sensor has not seen a matching line yet.
type Reading struct {
	Key         string                 `json:"key"`
	Name        string                 `json:"name"`
	State       interface{}            `json:"state"`
	Unit        string                 `json:"unit,omitempty"`
	DeviceClass string                 `json:"device_class,omitempty"`
	Binary      bool                   `json:"binary,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Sensor holds the state derived from status lines. Update is called with
// every line; it returns true when the reading changed.
type Sensor interface {
	Key() string
	Update(line string, at time.Time) bool
	Reading() Reading
}

// extractFunc pulls a sensor state (and optional attributes) out of a line.
type extractFunc func(line string) (interface{}, map[string]interface{}, bool)

// lineSensor applies a single extractor to each line and keeps the last match.
type lineSensor struct {
	reading Reading
	extract extractFunc
}

func (s *lineSensor) Key() string { return s.reading.Key }

func (s *lineSensor) Reading() Reading { return s.reading }

func (s *lineSensor) Update(line string, at time.Time) bool {
	state, attrs, ok := s.extract(line)
	if !ok {
		return false
	}
	changed := s.reading.State == nil ||
		!reflect.DeepEqual(s.reading.State, state) ||
		!reflect.DeepEqual(s.reading.Attributes, attrs)
	s.reading.State = state
	s.reading.Attributes = attrs
	s.reading.UpdatedAt = at
	return changed
}

func heaterSensor(key, name string, pick func(feed.Temperatures) (feed.Heater, bool), target bool) *lineSensor {
	return &lineSensor{
		reading: Reading{Key: key, Name: name, Unit: "°C", DeviceClass: "temperature"},
		extract: func(line string) (interface{}, map[string]interface{}, bool) {
			temps, ok := feed.ParseTemperatures(line)
			if !ok {
				return nil, nil, false
			}
			h, ok := pick(temps)
			if !ok {
				return nil, nil, false
			}
			if target {
				return h.Target, nil, true
			}
			return h.Current, nil, true
		},
	}
}

func progressSensor() *lineSensor {
	return &lineSensor{
		reading: Reading{Key: KeyProgress, Name: "Print Progress", Unit: "%"},
		extract: func(line string) (interface{}, map[string]interface{}, bool) {
			pct, ok := feed.ParseProgress(line)
			return pct, nil, ok
		},
	}
}

func elapsedSensor() *lineSensor {
	return &lineSensor{
		reading: Reading{Key: KeyElapsedTime, Name: "Print Time", Unit: "s", DeviceClass: "duration"},
		extract: func(line string) (interface{}, map[string]interface{}, bool) {
			d, ok := feed.ParseElapsed(line)
			if !ok {
				return nil, nil, false
			}
			return int64(d / time.Second), map[string]interface{}{"formatted": feed.FormatElapsed(d)}, true
		},
	}
}

func filenameSensor() *lineSensor {
	return &lineSensor{
		reading: Reading{Key: KeyFilename, Name: "Print File"},
		extract: func(line string) (interface{}, map[string]interface{}, bool) {
			fi, ok := feed.ParseFilename(line)
			if !ok {
				return nil, nil, false
			}
			var attrs map[string]interface{}
			if fi.Size > 0 {
				attrs = map[string]interface{}{"size": fi.Size}
			}
			return fi.Name, attrs, true
		},
	}
}

func statusSensor() *lineSensor {
	return &lineSensor{
		reading: Reading{Key: KeyStatus, Name: "Printer Status", DeviceClass: "enum"},
		extract: func(line string) (interface{}, map[string]interface{}, bool) {
			st, ok := feed.ParseStatus(line)
			return string(st), nil, ok
		},
	}
}

func stepsSensor() *lineSensor {
	return &lineSensor{
		reading: Reading{Key: KeyStepsPerUnit, Name: "Steps per Unit"},
		extract: func(line string) (interface{}, map[string]interface{}, bool) {
			steps, ok := feed.ParseStepsPerUnit(line)
			if !ok {
				return nil, nil, false
			}
			axes := make([]string, 0, len(steps))
			for a := range steps {
				axes = append(axes, a)
			}
			sort.Slice(axes, func(i, j int) bool { return axisOrder(axes[i]) < axisOrder(axes[j]) })

			parts := make([]string, 0, len(axes))
			attrs := make(map[string]interface{}, len(axes))
			for _, a := range axes {
				parts = append(parts, fmt.Sprintf("%s%.2f", a, steps[a]))
				attrs[strings.ToLower(a)] = steps[a]
			}
			return strings.Join(parts, " "), attrs, true
		},
	}
}

func axisOrder(a string) int {
	return strings.Index("XYZE", a)
}

func lastMessageSensor() *lineSensor {
	return &lineSensor{
		reading: Reading{Key: KeyLastMessage, Name: "Last Message"},
		extract: func(line string) (interface{}, map[string]interface{}, bool) {
			return truncate(line, maxStateLength), map[string]interface{}{"last_message": line}, true
		},
	}
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// staticSensor never changes after construction.
type staticSensor struct {
	reading Reading
}

func (s *staticSensor) Key() string                   { return s.reading.Key }
func (s *staticSensor) Reading() Reading              { return s.reading }
func (s *staticSensor) Update(string, time.Time) bool { return false }

// onlineSensor reports whether a line arrived within the timeout.
type onlineSensor struct {
	timeout  time.Duration
	lastSeen time.Time
	reading  Reading
}

func newOnlineSensor(timeout time.Duration) *onlineSensor {
	return &onlineSensor{
		timeout: timeout,
		reading: Reading{
			Key:         KeyOnline,
			Name:        "Online",
			State:       false,
			DeviceClass: "connectivity",
			Binary:      true,
		},
	}
}

func (s *onlineSensor) Key() string      { return s.reading.Key }
func (s *onlineSensor) Reading() Reading { return s.reading }

func (s *onlineSensor) Update(_ string, at time.Time) bool {
	if at.After(s.lastSeen) {
		s.lastSeen = at
	}
	return s.set(true, at)
}

// Expire flips the sensor offline once the last line is older than the
// timeout.
func (s *onlineSensor) Expire(now time.Time) bool {
	if s.reading.State == false {
		return false
	}
	if now.Sub(s.lastSeen) <= s.timeout {
		return false
	}
	return s.set(false, now)
}

func (s *onlineSensor) set(online bool, at time.Time) bool {
	changed := s.reading.State != online
	s.reading.State = online
	s.reading.Attributes = map[string]interface{}{"last_seen": s.lastSeen}
	if changed {
		s.reading.UpdatedAt = at
	}
	return changed
}

// idleSensor derives whether the printer is idle from status and progress
// lines. It stays unknown until the first evidence arrives.
type idleSensor struct {
	reading Reading
}

func newIdleSensor() *idleSensor {
	return &idleSensor{reading: Reading{Key: KeyIdle, Name: "Idle", Binary: true}}
}

func (s *idleSensor) Key() string      { return s.reading.Key }
func (s *idleSensor) Reading() Reading { return s.reading }

func (s *idleSensor) Update(line string, at time.Time) bool {
	st, isStatus := feed.ParseStatus(line)
	pct, isProgress := feed.ParseProgress(line)
	switch {
	case isStatus:
	case isProgress && pct > 0 && pct < 100:
		st = feed.StatusPrinting
	default:
		return false
	}
	idle := st == feed.StatusIdle

	changed := s.reading.State != idle
	s.reading.State = idle
	s.reading.UpdatedAt = at
	return changed
}

// newSensors builds the sensor set of one printer, in display order.
func newSensors(ip string, offlineAfter time.Duration) ([]Sensor, *onlineSensor) {
	online := newOnlineSensor(offlineAfter)
	sensors := []Sensor{
		heaterSensor(KeyNozzleTemperature, "Nozzle Temperature", feed.Temperatures.Nozzle, false),
		heaterSensor(KeyNozzleTarget, "Nozzle Target", feed.Temperatures.Nozzle, true),
		heaterSensor(KeyBedTemperature, "Bed Temperature", feed.Temperatures.Bed, false),
		heaterSensor(KeyBedTarget, "Bed Target", feed.Temperatures.Bed, true),
		progressSensor(),
		elapsedSensor(),
		filenameSensor(),
		statusSensor(),
		stepsSensor(),
		lastMessageSensor(),
		&staticSensor{reading: Reading{Key: KeyPrinterIP, Name: "Printer IP", State: ip}},
		online,
		newIdleSensor(),
	}
	return sensors, online
}
