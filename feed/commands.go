package feed

// Commands understood by the printer over the feed socket.
const (
	StartPrint = "M24"
	PausePrint = "M25"
	StopPrint  = "M26"

	QueryTemperatures = "M105"
	QueryProgress     = "M27"
	QueryElapsed      = "M992"
	QueryFilename     = "M994"
	QueryStatus       = "M997"
)

// Queries is the set of commands that make the printer report every field
// the sensors track.
var Queries = []string{
	QueryTemperatures,
	QueryProgress,
	QueryElapsed,
	QueryFilename,
	QueryStatus,
}

// SelectFile returns the command that selects a file on the printer's storage
// for the next M24.
func SelectFile(name string) string {
	return "M23 " + name
}
