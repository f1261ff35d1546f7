//go:build windows

package worker

import (
	"errors"
	"fmt"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	"github.com/guseggert/nativebridge/rpc"
)

// sFalse is returned by CoInitializeEx when COM was already initialized on this thread.
const sFalse = 1

// DefaultFactory creates the automation object through COM.
func DefaultFactory(opts rpc.BindingOptions) (Object, error) {
	return NewCOMObject(opts)
}

// COMObject is an automation object reached through IDispatch.
// COM requires every call to come from the thread that initialized it, which Run guarantees.
type COMObject struct {
	opts rpc.BindingOptions
	disp *ole.IDispatch
}

func NewCOMObject(opts rpc.BindingOptions) (*COMObject, error) {
	err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED)
	if err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			return nil, fmt.Errorf("initializing COM: %w", err)
		}
	}
	unknown, err := oleutil.CreateObject(opts.ProgID)
	if err != nil {
		ole.CoUninitialize()
		return nil, fmt.Errorf("creating %s: %w", opts.ProgID, err)
	}
	defer unknown.Release()
	disp, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		ole.CoUninitialize()
		return nil, fmt.Errorf("querying IDispatch of %s: %w", opts.ProgID, err)
	}
	return &COMObject{opts: opts, disp: disp}, nil
}

// Initialize calls Initialize(<mode>, "/d <resource> /n <principal> /p <secret>", <flags>).
func (o *COMObject) Initialize(principal, secret, resource string) (bool, error) {
	var mode any
	if o.opts.Mode != "" {
		v, err := oleutil.GetProperty(o.disp, o.opts.Mode)
		if err != nil {
			return false, fmt.Errorf("reading mode property %s: %w", o.opts.Mode, err)
		}
		mode = variantValue(v)
	}

	params := "/d " + resource
	if principal != "" {
		params += ` /n "` + principal + `"`
	}
	if secret != "" {
		params += ` /p "` + secret + `"`
	}

	v, err := oleutil.CallMethod(o.disp, "Initialize", mode, params, o.opts.Flags)
	if err != nil {
		return false, fmt.Errorf("calling Initialize: %w", err)
	}
	ok, _ := variantValue(v).(bool)
	return ok, nil
}

func (o *COMObject) Call(operation string, args []any) (any, error) {
	v, err := oleutil.CallMethod(o.disp, operation, args...)
	if err != nil {
		return nil, err
	}
	return variantValue(v), nil
}

func (o *COMObject) Terminate() error {
	if o.opts.TerminateMethod == "" {
		return nil
	}
	v, err := oleutil.CallMethod(o.disp, o.opts.TerminateMethod, o.opts.TerminateArgs...)
	if err != nil {
		return err
	}
	variantValue(v)
	return nil
}

func (o *COMObject) Release() {
	if o.disp == nil {
		return
	}
	o.disp.Release()
	o.disp = nil
	ole.CoUninitialize()
}

// variantValue copies a VARIANT into a Go value and frees it. Object references don't cross the channel.
func variantValue(v *ole.VARIANT) any {
	if v == nil {
		return nil
	}
	val := v.Value()
	if _, isDisp := val.(*ole.IDispatch); isDisp {
		val = nil
	}
	v.Clear()
	return val
}
