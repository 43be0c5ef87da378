package mcp

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &ServerError{Status: 500}, true},
		{"network error", &NetworkError{Err: errors.New("connection refused")}, true},
		{"wrapped server error", fmt.Errorf("call failed: %w", &ServerError{Status: 503}), true},
		{"joined client and server", errors.Join(&ClientError{Status: 404}, &ServerError{Status: 502}), true},
		{"client error", &ClientError{Status: 400}, false},
		{"protocol error", &ProtocolError{Code: InternalError, Message: "boom"}, false},
		{"validation error", &ValidationError{Messages: []string{"missing required parameter \"a\""}}, false},
		{"timeout error", &TimeoutError{Op: "STDIO response"}, false},
		{"process error", &ProcessError{Op: "spawn", Err: errors.New("no such file")}, false},
		{"plain error", errors.New("whatever"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestProtocolErrorMethodNotFound(t *testing.T) {
	if !(&ProtocolError{Code: MethodNotFound}).MethodNotFound() {
		t.Error("code -32601 should report method-not-found")
	}
	if (&ProtocolError{Code: InternalError}).MethodNotFound() {
		t.Error("code -32603 should not report method-not-found")
	}
}

func TestMaxRetriesError(t *testing.T) {
	last := &ServerError{Status: 502, Body: "bad gateway"}
	err := &MaxRetriesError{Attempts: 4, Last: last}

	if !strings.Contains(err.Error(), "Max retries exceeded") {
		t.Errorf("message %q should name the retry exhaustion", err.Error())
	}
	var se *ServerError
	if !errors.As(err, &se) || se.Status != 502 {
		t.Errorf("expected the final attempt's error to unwrap, got %v", err)
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&DisabledError{Kind: "server", Name: "calc"}, `server "calc" is disabled`},
		{&DisabledError{Kind: "resource", Name: "add"}, `resource "add" is disabled`},
		{&NotFoundError{Kind: "tool", Name: "mul"}, `tool "mul" not found`},
		{&ClientError{Status: 404}, "upstream client error: status 404"},
		{&ServerError{Status: 500, Body: "boom"}, "upstream server error: status 500: boom"},
		{&ValidationError{Messages: []string{"parameter \"a\" must be a number"}}, `validation failed: parameter "a" must be a number`},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestValidationErrorMultiple(t *testing.T) {
	err := &ValidationError{Messages: []string{"first", "second", "third"}}
	got := err.Error()
	if !strings.Contains(got, "3 problems") || !strings.Contains(got, "first") {
		t.Errorf("multi-message error %q should count problems and show the first", got)
	}
}
