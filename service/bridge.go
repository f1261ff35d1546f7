package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/guseggert/nativebridge/supervisor"
)

// ErrReportFailed means the endpoint ran the report batch but reported failure.
var ErrReportFailed = errors.New("report form failed")

// Caller invokes operations on a live endpoint connection.
type Caller interface {
	Invoke(ctx context.Context, op string, args ...any) (json.RawMessage, error)
}

// Bridge runs f against a fresh endpoint connection, connecting before and disconnecting after.
type Bridge interface {
	Run(ctx context.Context, req supervisor.ConnectionRequest, f func(ctx context.Context, c Caller) error) error
}

// SupervisorBridge adapts a Supervisor to Bridge.
type SupervisorBridge struct {
	Supervisor *supervisor.Supervisor
}

func (b *SupervisorBridge) Run(ctx context.Context, req supervisor.ConnectionRequest, f func(ctx context.Context, c Caller) error) error {
	return b.Supervisor.Run(ctx, req, func(ctx context.Context, h *supervisor.Handle) error {
		return f(ctx, h)
	})
}

// OpenReportForm has the endpoint open the external report form at modulePath, which writes its output to savePath.
func OpenReportForm(ctx context.Context, c Caller, savePath, modulePath string) error {
	if savePath == "" {
		return errors.New("no report save path configured")
	}
	if modulePath == "" {
		return errors.New("no report module configured")
	}
	batch := fmt.Sprintf(`ОткрытьФорму("Отчет", %s, %s)`, quote(savePath), quote(modulePath))
	res, err := c.Invoke(ctx, "ExecuteBatch", batch)
	if err != nil {
		return fmt.Errorf("running report batch: %w", err)
	}
	var v any
	err = json.Unmarshal(res, &v)
	if err != nil {
		return fmt.Errorf("decoding report batch result %q: %w", res, err)
	}
	// the endpoint reports success as a boolean or as a nonzero number
	switch v := v.(type) {
	case bool:
		if v {
			return nil
		}
	case float64:
		if v != 0 {
			return nil
		}
	}
	return ErrReportFailed
}

// quote makes s a string literal of the endpoint's batch language, where quotes are escaped by doubling.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
