// Package ipc defines the wire messages exchanged between the parent
// process (Worker Pool) and an isolated worker child process, per
// spec.md §6 ("Worker IPC protocol"). Messages are framed as
// self-delimiting JSON values written directly to the child's stdin
// (parent -> worker) and read from its stdout (worker -> parent); no
// newline or length framing is needed because encoding/json's
// Encoder/Decoder pair already frame one value per call.
package ipc

// JobMessageType identifies the single message kind the parent sends.
const JobMessageType = "render"

// Job is the parent -> worker message: a request to render one route.
type Job struct {
	Type       string `json:"type"` // always JobMessageType
	RequestID  string `json:"requestId"`
	Path       string `json:"path"`
	Search     string `json:"search"`
	ServerPort string `json:"serverPort"`
	PathToWasm string `json:"pathToWasm"`
	WasmMtime  int64  `json:"wasmMtime"` // UnixNano of the Wasm file's mtime, as observed by the Coordinator
	DebugLogs  bool   `json:"debugLogs"`
}

// Result message types, per spec.md §6.
const (
	ResultRendered    = "render"
	ResultNotRendered = "not-rendered"
	ResultRestart     = "restart"
	ResultCrash       = "crash"
)

// Result is the worker -> parent reply. Exactly one is sent per Job.
type Result struct {
	Type string `json:"type"`

	// Populated when Type == ResultRendered.
	HTML           string `json:"html,omitempty"`
	ExpiresIn      int    `json:"expiresIn,omitempty"`
	LastModifiedAt int64  `json:"lastModifiedAt,omitempty"` // Unix seconds, 0 = absent

	// Populated when Type == ResultCrash or Type == ResultRestart.
	Reason string `json:"reason,omitempty"`
}

// Rendered builds a ResultRendered reply.
func Rendered(html string, expiresIn int, lastModifiedAt int64) Result {
	return Result{Type: ResultRendered, HTML: html, ExpiresIn: expiresIn, LastModifiedAt: lastModifiedAt}
}

// NotRendered builds a ResultNotRendered reply.
func NotRendered() Result {
	return Result{Type: ResultNotRendered}
}

// Restart builds a ResultRestart reply (stale Wasm detected).
func Restart(reason string) Result {
	return Result{Type: ResultRestart, Reason: reason}
}

// Crash builds a ResultCrash reply.
func Crash(reason string) Result {
	return Result{Type: ResultCrash, Reason: reason}
}
