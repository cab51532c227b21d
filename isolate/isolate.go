// Package isolate drives the isolate(1) sandbox binary to run untrusted
// programs under precise resource limits.
//
// The package owns the full lifecycle of a sandbox "box": a numbered slot is
// leased from a BoxPool, initialized with `isolate --init`, used for one or
// more `isolate --run` invocations, and torn down with `isolate --cleanup`.
// Resource consumption and the outcome of each run are read back from the
// metadata file isolate writes after every execution.
//
// Verdicts such as a time-limit or memory-limit violation are reported inside
// a successful RunReport; errors are reserved for failures of the sandbox
// machinery itself (binary missing, metadata unreadable, wrong session
// state). Callers that conflate the two will retry submissions that should
// have been judged.
package isolate

const (
	// DefaultBinary is the conventional name of the isolate executable,
	// resolved through PATH when no explicit path is configured.
	DefaultBinary = "isolate"

	// DefaultBoxRoot is where stock isolate builds keep box directories.
	// Box id N lives at <root>/N/box.
	DefaultBoxRoot = "/var/local/lib/isolate"

	// DefaultBoxCount matches the num_boxes limit isolate ships with.
	DefaultBoxCount = 1000
)
