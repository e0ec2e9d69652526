package serialmux

import "strings"

const (
	LineObservation = "observation"
	LineStatus      = "status"
	LineUnknown     = "unknown"
)

// ClassifyLine returns a coarse type for a line printed by the bridge.
// Advertisement reports are JSON objects carrying an identifier; command
// acknowledgements start with "OK" or "ERR".
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "{") && strings.Contains(line, `"identifier"`):
		return LineObservation
	case strings.HasPrefix(line, "OK"), strings.HasPrefix(line, "ERR"), strings.HasPrefix(line, "+"):
		return LineStatus
	default:
		return LineUnknown
	}
}
