package fsm

// BuildRequest is the FSM input. Only the run id is persisted; the session
// it names lives in the Machine.
type BuildRequest struct {
	RunID string
}

// BuildResponse is the FSM output (accumulated across transitions)
type BuildResponse struct {
	RunID string

	// From each stage
	State string

	// From Master
	ImagePath string

	// From the failing stage
	Kind         string
	ErrorMessage string
}

// State names
const (
	StateInit   = "init"
	StateMaster = "master"
	StateWrite  = "write"
	StateDone   = "done"
	StateFailed = "failed"
)
