// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package protocol defines the messages exchanged on a daemon control connection.
//
// A client sends exactly one Command (Build or Stop). The daemon answers with zero or
// more OutputEvent messages followed by exactly one CommandComplete, then closes.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/ManuGH/buildd/internal/remote"
)

// Kind tags the concrete message type on the wire.
type Kind uint8

const (
	KindBuild Kind = iota + 1
	KindStop
	KindOutputEvent
	KindCommandComplete
)

func (k Kind) String() string {
	switch k {
	case KindBuild:
		return "build"
	case KindStop:
		return "stop"
	case KindOutputEvent:
		return "output_event"
	case KindCommandComplete:
		return "command_complete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is any value carried on a control connection.
type Message interface {
	Kind() Kind
}

// Command is a client request. Exactly one arrives per connection.
type Command interface {
	Message
	command()
}

// Action names the work the engine should perform. Opaque to the session.
type Action struct {
	Name string   `cbor:"1,keyasint"`
	Args []string `cbor:"2,keyasint,omitempty"`
}

func (a Action) String() string {
	if len(a.Args) == 0 {
		return a.Name
	}
	return a.Name + " " + strings.Join(a.Args, " ")
}

// BuildParameters carry the client's invocation context.
type BuildParameters struct {
	WorkingDir string `cbor:"1,keyasint,omitempty"`
	// Environment overrides applied for the duration of the build.
	Environment map[string]string `cbor:"2,keyasint,omitempty"`
	// Properties are build settings. They reach the build as PropertyEnvPrefix variables.
	Properties map[string]string `cbor:"3,keyasint,omitempty"`
}

// PropertyEnvPrefix prefixes the variable a build property is exposed as.
const PropertyEnvPrefix = "BUILDD_PROP_"

// PropertyEnvName maps a property key to its variable name, e.g. "org.flavor" to
// "BUILDD_PROP_ORG_FLAVOR".
func PropertyEnvName(key string) string {
	var b strings.Builder
	b.WriteString(PropertyEnvPrefix)
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Overrides returns the variables scoped to the build: properties first, then the
// explicit environment, which wins on collision.
func (p BuildParameters) Overrides() map[string]string {
	if len(p.Properties) == 0 {
		return p.Environment
	}
	out := make(map[string]string, len(p.Environment)+len(p.Properties))
	for k, v := range p.Properties {
		if k == "" {
			continue
		}
		out[PropertyEnvName(k)] = v
	}
	for k, v := range p.Environment {
		out[k] = v
	}
	return out
}

// ClientMetadata describes the requesting client for fault reporting.
type ClientMetadata struct {
	Hostname    string `cbor:"1,keyasint,omitempty"`
	Username    string `cbor:"2,keyasint,omitempty"`
	Pid         int    `cbor:"3,keyasint,omitempty"`
	Interactive bool   `cbor:"4,keyasint,omitempty"`
}

// Build asks the daemon to execute an action.
type Build struct {
	Action         Action          `cbor:"1,keyasint"`
	Parameters     BuildParameters `cbor:"2,keyasint"`
	ClientMetadata ClientMetadata  `cbor:"3,keyasint"`

	// Origin is the sender address, stamped on decode.
	Origin remote.Address `cbor:"-"`
}

// Stop asks the daemon to stop accepting connections.
type Stop struct {
	Origin remote.Address `cbor:"-"`
}

// OutputEvent is one progress or log unit produced during a build.
type OutputEvent struct {
	TimestampMS int64  `cbor:"1,keyasint"`
	Category    string `cbor:"2,keyasint,omitempty"`
	Level       string `cbor:"3,keyasint,omitempty"`
	Message     string `cbor:"4,keyasint"`
}

// CommandComplete terminates a session. Failure is nil on success.
type CommandComplete struct {
	Value   cbor.RawMessage `cbor:"1,keyasint,omitempty"`
	Failure *Failure        `cbor:"2,keyasint,omitempty"`
}

func (*Build) Kind() Kind           { return KindBuild }
func (*Stop) Kind() Kind            { return KindStop }
func (*OutputEvent) Kind() Kind     { return KindOutputEvent }
func (*CommandComplete) Kind() Kind { return KindCommandComplete }

func (*Build) command() {}
func (*Stop) command()  {}

// Success builds a completion carrying value. A nil value yields an empty success.
func Success(value any) (*CommandComplete, error) {
	if value == nil {
		return &CommandComplete{}, nil
	}
	raw, err := encMode.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &CommandComplete{Value: raw}, nil
}

// Failed builds a failure completion from err.
func Failed(err error, reported bool) *CommandComplete {
	return &CommandComplete{Failure: NewFailure(err, reported)}
}

// Err returns the failure, or nil on success.
func (c *CommandComplete) Err() error {
	if c.Failure == nil {
		return nil
	}
	return c.Failure
}

// DecodeValue unmarshals the success value into v.
func (c *CommandComplete) DecodeValue(v any) error {
	if len(c.Value) == 0 {
		return nil
	}
	return decMode.Unmarshal(c.Value, v)
}

// Failure is a fault transported back to the client.
type Failure struct {
	Message  string   `cbor:"1,keyasint"`
	Type     string   `cbor:"2,keyasint,omitempty"`
	Reported bool     `cbor:"3,keyasint,omitempty"`
	Causes   []string `cbor:"4,keyasint,omitempty"`
}

// NewFailure captures err and its unwrap chain.
func NewFailure(err error, reported bool) *Failure {
	if err == nil {
		return nil
	}
	f := &Failure{Message: err.Error(), Reported: reported}
	root := err
	for next := errors.Unwrap(root); next != nil; next = errors.Unwrap(root) {
		f.Causes = append(f.Causes, next.Error())
		root = next
	}
	f.Type = fmt.Sprintf("%T", root)
	return f
}

func (f *Failure) Error() string {
	return f.Message
}
