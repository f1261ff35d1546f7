//go:build !windows

package worker

import "github.com/guseggert/nativebridge/rpc"

// DefaultFactory fails everywhere except Windows, where the endpoint's automation server lives.
func DefaultFactory(opts rpc.BindingOptions) (Object, error) {
	return nil, ErrBindingUnavailable
}
