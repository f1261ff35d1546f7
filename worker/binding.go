package worker

import (
	"errors"

	"github.com/guseggert/nativebridge/rpc"
)

// ErrBindingUnavailable is returned by the default factory on platforms without a native binding.
var ErrBindingUnavailable = errors.New("native binding unavailable on this platform")

// Object is one instance of the endpoint's automation object.
// Methods are only ever called from the goroutine running Run.
type Object interface {
	// Initialize opens the endpoint. It returns false if the endpoint refused the credentials or resource.
	Initialize(principal, secret, resource string) (bool, error)
	// Call invokes a named operation with the given arguments.
	Call(operation string, args []any) (any, error)
	// Terminate asks the endpoint to shut itself down.
	Terminate() error
	// Release drops the native reference.
	Release()
}

// Factory instantiates the native object.
type Factory func(opts rpc.BindingOptions) (Object, error)
