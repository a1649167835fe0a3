package wemo

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/huin/goupnp/soap"

	"github.com/sweeney/wemo-bridge/internal/device"
)

// action performs SOAP actions against one service endpoint of a device.
type action struct {
	service string
	client  *soap.SOAPClient
}

func newAction(base, path, service string) (*action, error) {
	u, err := url.Parse(base + path)
	if err != nil {
		return nil, fmt.Errorf("parse control url: %w", err)
	}
	return &action{service: service, client: soap.NewSOAPClient(*u)}, nil
}

// call invokes name with the string fields of in as arguments and decodes
// the response arguments into out. Both must be pointers to structs.
func (a *action) call(ctx context.Context, name string, in, out any) error {
	err := a.client.PerformActionCtx(ctx, a.service, name, in, out)
	if err == nil {
		return nil
	}
	var fault *soap.SOAPFaultError
	if errors.As(err, &fault) {
		return &device.Error{
			Code: fault.FaultCode,
			Err:  fmt.Errorf("%s: %w: %s", name, ErrSOAPFault, fault.FaultString),
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}

type noArgs struct{}
