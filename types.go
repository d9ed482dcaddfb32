package kiroku

// Public types for embedders. Standalone structs with no internal imports;
// conversion from internal types happens in kiroku.go, the only file that
// sees both sides of the boundary.

// RunStart describes a run that just began recording.
type RunStart struct {
	RunID     string
	Agent     string
	Labels    map[string]string
	StartedMs int64
}

// RunFinish describes a run that just finished recording.
type RunFinish struct {
	RunID      string
	OK         bool
	Error      string
	FinishedMs int64
}
