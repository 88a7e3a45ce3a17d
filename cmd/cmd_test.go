package cmd

import (
	"context"
	"encoding/json"
)

// fakeCaller cans one response per method and records the last request,
// standing in for the UDS client in run-helper tests.
type fakeCaller struct {
	responses  map[string]json.RawMessage
	err        error
	lastMethod string
	lastParams any
}

func (f *fakeCaller) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	f.lastMethod = method
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.responses[method], nil
}
