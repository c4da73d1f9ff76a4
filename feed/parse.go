package feed

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	tempRe     = regexp.MustCompile(`(?:^|\s)(T\d*|B):\s*(-?\d+(?:\.\d+)?)(?:\s*/\s*(-?\d+(?:\.\d+)?))?`)
	progressRe = regexp.MustCompile(`^M27\s+(\d+)\b`)
	elapsedRe  = regexp.MustCompile(`^M992\s+(\d+):([0-5]?\d):([0-5]?\d)\b`)
	filenameRe = regexp.MustCompile(`^M994\s+(?:\d+:)?/?([^;]*?)\s*(?:;\s*(\d+))?\s*$`)
	statusRe   = regexp.MustCompile(`(?i)^M997\s+(IDLE|PRINTING|PAUSED?)\b`)
	stepsRe    = regexp.MustCompile(`^M92\s+(.+)$`)
	axisRe     = regexp.MustCompile(`([XYZE])\s*(-?\d+(?:\.\d+)?)`)
)

// Heater is a current/target temperature pair in degrees Celsius.
type Heater struct {
	Current float64
	Target  float64
}

// Temperatures maps a heater key ("T", "T0", "T1", "B") to its reading.
type Temperatures map[string]Heater

// Nozzle returns the active nozzle. Reports without a bare "T" field fall back
// to T0.
func (t Temperatures) Nozzle() (Heater, bool) {
	if h, ok := t["T"]; ok {
		return h, true
	}
	h, ok := t["T0"]
	return h, ok
}

// Bed returns the heated bed reading.
func (t Temperatures) Bed() (Heater, bool) {
	h, ok := t["B"]
	return h, ok
}

// ParseTemperatures extracts every heater pair from a temperature report.
// Power fields (@:, B@:) are skipped. A pair without a "/target" part keeps a
// zero target.
func ParseTemperatures(line string) (Temperatures, bool) {
	matches := tempRe.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return nil, false
	}

	temps := make(Temperatures, len(matches))
	for _, m := range matches {
		current, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		var target float64
		if m[3] != "" {
			if target, err = strconv.ParseFloat(m[3], 64); err != nil {
				continue
			}
		}
		temps[m[1]] = Heater{Current: current, Target: target}
	}
	if len(temps) == 0 {
		return nil, false
	}
	return temps, true
}

// ParseProgress extracts the print progress percentage from an M27 line.
// Values above 100 are clamped.
func ParseProgress(line string) (int, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	// Only digits matched, so a parse error is an overflow.
	pct, err := strconv.Atoi(m[1])
	if err != nil || pct > 100 {
		pct = 100
	}
	return pct, true
}

// ParseElapsed extracts the elapsed print time from an M992 HH:MM:SS line.
func ParseElapsed(line string) (time.Duration, bool) {
	m := elapsedRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.Atoi(m[3])
	return time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(secs)*time.Second, true
}

// FormatElapsed renders a duration the way the printer reports it.
func FormatElapsed(d time.Duration) string {
	secs := int64(d / time.Second)
	return strconv.FormatInt(secs/3600, 10) + ":" + pad2(secs/60%60) + ":" + pad2(secs%60)
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}

// FileInfo is the file currently selected on the printer.
type FileInfo struct {
	Name string
	// Size in bytes, zero when the printer did not report it.
	Size int64
}

// ParseFilename extracts the selected file from an M994 line. The volume
// prefix ("1:") and leading slash are dropped.
func ParseFilename(line string) (FileInfo, bool) {
	m := filenameRe.FindStringSubmatch(line)
	if m == nil || m[1] == "" {
		return FileInfo{}, false
	}
	fi := FileInfo{Name: m[1]}
	if m[2] != "" {
		fi.Size, _ = strconv.ParseInt(m[2], 10, 64)
	}
	return fi, true
}

// Status is the machine state reported by M997.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusPrinting Status = "printing"
	StatusPaused   Status = "paused"
)

// ParseStatus extracts the machine state from an M997 line.
func ParseStatus(line string) (Status, bool) {
	m := statusRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	switch strings.ToUpper(m[1]) {
	case "IDLE":
		return StatusIdle, true
	case "PRINTING":
		return StatusPrinting, true
	default:
		return StatusPaused, true
	}
}

// ParseStepsPerUnit extracts per-axis steps/mm from an M92 line.
func ParseStepsPerUnit(line string) (map[string]float64, bool) {
	m := stepsRe.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	steps := make(map[string]float64)
	for _, a := range axisRe.FindAllStringSubmatch(m[1], -1) {
		v, err := strconv.ParseFloat(a[2], 64)
		if err != nil {
			continue
		}
		steps[a[1]] = v
	}
	if len(steps) == 0 {
		return nil, false
	}
	return steps, true
}
