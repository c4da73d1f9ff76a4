// Package feed parses the text telemetry stream a HAGhost5 printer pushes over
// its WebSocket port.
//
// Every WebSocket message carries one or more newline-terminated status lines.
// A line is either a temperature report in the same shape as an M105 reply:
//
//	T:205.1 /210.0 B:59.8 /60.0 T0:205.1 /210.0 T1:0.0 /0.0 @:127 B@:64
//
// or the echo of a query command with its value:
//
//	M27 45
//	M992 01:23:45
//	M994 1:/benchy.gcode;1843201
//	M997 PRINTING
//	M92 X80.00 Y80.00 Z400.00 E93.00
//
// The extractors in this package are independent: each one looks at a single
// line and reports whether it found its field.
package feed

import (
	"strings"
)

// Kind identifies the family a status line belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindTemperature
	KindProgress
	KindElapsed
	KindFilename
	KindStatus
	KindSteps
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindTemperature:
		return "temperature"
	case KindProgress:
		return "progress"
	case KindElapsed:
		return "elapsed"
	case KindFilename:
		return "filename"
	case KindStatus:
		return "status"
	case KindSteps:
		return "steps"
	case KindAck:
		return "ack"
	}
	return "unknown"
}

// Lines splits a feed message into trimmed, non-empty status lines.
func Lines(msg string) []string {
	var lines []string
	for _, l := range strings.Split(msg, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// Classify returns the Kind of a single status line.
func Classify(line string) Kind {
	switch {
	case line == "ok" || strings.HasPrefix(line, "ok "):
		if _, ok := ParseTemperatures(line); ok {
			return KindTemperature
		}
		return KindAck
	case progressRe.MatchString(line):
		return KindProgress
	case elapsedRe.MatchString(line):
		return KindElapsed
	case filenameRe.MatchString(line):
		return KindFilename
	case statusRe.MatchString(line):
		return KindStatus
	case stepsRe.MatchString(line):
		return KindSteps
	case tempRe.MatchString(line):
		return KindTemperature
	}
	return KindUnknown
}
