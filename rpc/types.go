package rpc

import (
	"encoding/json"
	"time"
)

// ReadLimit is the largest message either side will accept.
const ReadLimit = 16 << 20

// WriteTimeout bounds a single call request write. A write that times out closes the channel.
const WriteTimeout = 30 * time.Second

type MessageType string

const (
	TypeInit     MessageType = "init"
	TypeCall     MessageType = "call"
	TypeShutdown MessageType = "shutdown"
	TypeResult   MessageType = "result"
	TypeError    MessageType = "error"
)

// Request is a supervisor->worker message.
// Init is set only on the first message. Call requests carry ID, Operation and Args.
type Request struct {
	Type      MessageType       `json:"type"`
	ID        uint64            `json:"id,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Args      []json.RawMessage `json:"args,omitempty"`
	Init      *InitRequest      `json:"init,omitempty"`
}

// InitRequest carries everything the worker needs to open the endpoint.
// It travels inside the channel so that the secret never appears on the worker's command line.
type InitRequest struct {
	Principal string `json:"principal"`
	Secret    string `json:"secret"`
	Resource  string `json:"resource"`

	// ImageName is the executable name the worker's census looks for.
	ImageName string         `json:"imageName"`
	Binding   BindingOptions `json:"binding"`
}

// BindingOptions configures how the native object is created and initialized.
type BindingOptions struct {
	// ProgID is the registered automation class, e.g. "V77.Application".
	ProgID string `json:"progID"`
	// Mode is the name of the object property passed as the first Initialize argument.
	Mode string `json:"mode,omitempty"`
	// Flags is passed as the last Initialize argument.
	Flags string `json:"flags,omitempty"`
	// TerminateMethod is called on shutdown, before the object is released.
	TerminateMethod string `json:"terminateMethod,omitempty"`
	TerminateArgs   []any  `json:"terminateArgs,omitempty"`
}

// Response is a worker->supervisor message.
// The first response is always an init response; the rest answer call requests.
type Response struct {
	Type   MessageType     `json:"type"`
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Init   *InitResult     `json:"init,omitempty"`
}

type InitResult struct {
	Connected bool `json:"connected"`
	// SpawnedPIDs are the endpoint processes that appeared while the worker was initializing.
	// They are reported even when Connected is false.
	SpawnedPIDs []int32 `json:"spawnedPids"`
}
