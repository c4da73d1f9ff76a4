package printer

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/haghost5/hag5bridge/feed"
)

// ChangeCallback is called with every reading that changed.
type ChangeCallback func(r Reading)

// StateData is a typed view over a device's readings.
// Safe to copy by value.
type StateData struct {
	Online       bool   `json:"online"`
	PrinterState string `json:"printer_state"` // "idle", "printing", "paused" or "" when unknown

	NozzleTemp   float64 `json:"nozzle_temp"`
	NozzleTarget float64 `json:"nozzle_target"`
	BedTemp      float64 `json:"bed_temp"`
	BedTarget    float64 `json:"bed_target"`

	Progress      float64 `json:"progress"`       // percent
	PrintDuration float64 `json:"print_duration"` // seconds
	PrintFileName string  `json:"print_file_name"`

	LastMessageAt time.Time `json:"last_message_at"`
}

// Device owns the sensors of one printer and fans every status line out to
// all of them.
type Device struct {
	ip       string
	onChange ChangeCallback

	// notifyMu orders change delivery across the feed reader and the
	// watchdog. It is taken before mu.
	notifyMu sync.Mutex

	mu      sync.Mutex
	sensors []Sensor
	online  *onlineSensor
}

// NewDevice creates the sensor set for the printer at ip. The online sensor
// goes offline once no line arrived for offlineAfter.
func NewDevice(ip string, offlineAfter time.Duration, onChange ChangeCallback) *Device {
	sensors, online := newSensors(ip, offlineAfter)
	return &Device{
		ip:       ip,
		onChange: onChange,
		sensors:  sensors,
		online:   online,
	}
}

// IP returns the printer address.
func (d *Device) IP() string {
	return d.ip
}

// HandleMessage splits a feed message into lines and dispatches each.
func (d *Device) HandleMessage(msg string, at time.Time) {
	for _, line := range feed.Lines(msg) {
		d.HandleLine(line, at)
	}
}

// HandleLine offers one status line to every sensor.
func (d *Device) HandleLine(line string, at time.Time) {
	log.Debugf("Printer %s: %s line %q", d.ip, feed.Classify(line), line)

	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	var changed []Reading
	d.mu.Lock()
	for _, s := range d.sensors {
		if s.Update(line, at) {
			changed = append(changed, s.Reading())
		}
	}
	d.mu.Unlock()

	d.notify(changed)
}

// Tick re-evaluates the time-derived sensors.
func (d *Device) Tick(now time.Time) {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	d.mu.Lock()
	expired := d.online.Expire(now)
	r := d.online.Reading()
	d.mu.Unlock()

	if expired {
		log.Warnf("Printer %s: no status line for %v, marking offline", d.ip, d.online.timeout)
		d.notify([]Reading{r})
	}
}

func (d *Device) notify(changed []Reading) {
	if d.onChange == nil {
		return
	}
	for _, r := range changed {
		d.onChange(r)
	}
}

// Readings returns the current reading of every sensor in display order.
func (d *Device) Readings() []Reading {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make([]Reading, 0, len(d.sensors))
	for _, s := range d.sensors {
		result = append(result, s.Reading())
	}
	return result
}

// Reading returns the reading of a single sensor.
func (d *Device) Reading(key string) (Reading, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.sensors {
		if s.Key() == key {
			return s.Reading(), true
		}
	}
	return Reading{}, false
}

// Online reports whether the printer sent a line recently.
func (d *Device) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online.Reading().State == true
}

// Snapshot returns a typed copy of the current readings.
func (d *Device) Snapshot() StateData {
	byKey := make(map[string]Reading)
	for _, r := range d.Readings() {
		byKey[r.Key] = r
	}

	data := StateData{
		NozzleTemp:    floatState(byKey[KeyNozzleTemperature]),
		NozzleTarget:  floatState(byKey[KeyNozzleTarget]),
		BedTemp:       floatState(byKey[KeyBedTemperature]),
		BedTarget:     floatState(byKey[KeyBedTarget]),
		Progress:      floatState(byKey[KeyProgress]),
		PrintDuration: floatState(byKey[KeyElapsedTime]),
		LastMessageAt: byKey[KeyLastMessage].UpdatedAt,
	}
	data.Online, _ = byKey[KeyOnline].State.(bool)
	data.PrinterState, _ = byKey[KeyStatus].State.(string)
	data.PrintFileName, _ = byKey[KeyFilename].State.(string)
	return data
}

// floatState converts a numeric reading state to float64.
func floatState(r Reading) float64 {
	switch v := r.State.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

// Sender is the part of the feed client the watchdog needs.
type Sender interface {
	Send(cmd string) error
	Connected() bool
}

// Watchdog ticks the device so online state expires, and optionally asks the
// printer for every field on a fixed interval.
type Watchdog struct {
	device        *Device
	sender        Sender
	tick          time.Duration
	queryInterval time.Duration
	lastQuery     time.Time
}

// NewWatchdog creates a watchdog. A zero queryInterval disables queries.
func NewWatchdog(device *Device, sender Sender, queryInterval time.Duration) *Watchdog {
	return &Watchdog{
		device:        device,
		sender:        sender,
		tick:          time.Second,
		queryInterval: queryInterval,
	}
}

// Run ticks until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			w.device.Tick(now)
			w.query(now)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watchdog) query(now time.Time) {
	if w.queryInterval <= 0 || w.sender == nil || !w.sender.Connected() {
		return
	}
	if now.Sub(w.lastQuery) < w.queryInterval {
		return
	}
	w.lastQuery = now

	for _, cmd := range feed.Queries {
		if err := w.sender.Send(cmd); err != nil {
			log.Debugf("Printer %s: query %s failed: %v", w.device.ip, cmd, err)
			return
		}
	}
}
