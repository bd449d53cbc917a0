// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"strings"

	"github.com/awcullen/uasc/ua"
	"github.com/pkg/errors"
)

var (
	// ErrConnectAlreadyCalled is returned by Create when the channel is connecting or connected.
	ErrConnectAlreadyCalled = errors.New("connect already called")
	// ErrNotConnected fails the transactions started while the channel has no transport.
	ErrNotConnected = errors.Wrap(ua.BadServerNotConnected, "client not connected")
	// ErrTransactionTimeout fails the transactions that receive no response within the timeout hint.
	ErrTransactionTimeout = errors.Wrap(ua.BadRequestTimeout, "transaction has timed out")
)

// ServiceFaultError is returned when the server responds with a ServiceFault.
type ServiceFaultError struct {
	StatusCode  ua.StatusCode
	Diagnostics string
	Fault       *ua.ServiceFault
}

func newServiceFaultError(fault *ua.ServiceFault) *ServiceFaultError {
	return &ServiceFaultError{
		StatusCode:  fault.ServiceResult,
		Diagnostics: strings.Join(fault.StringTable, " "),
		Fault:       fault,
	}
}

func (e *ServiceFaultError) Error() string {
	if e.Diagnostics == "" {
		return "service fault: " + e.StatusCode.Error()
	}
	return "service fault: " + e.StatusCode.Error() + ": " + e.Diagnostics
}

// Unwrap returns the status code of the fault.
func (e *ServiceFaultError) Unwrap() error {
	return e.StatusCode
}
