// Package protocol encodes and decodes the JSON documents exchanged over the
// command, status, data, configuration and info characteristics.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/huella/internal/device"
)

// MaxPayloadSize is the largest encoded command or configuration document.
const MaxPayloadSize = device.MaxAttributeWrite

// Command opcodes understood by the firmware.
const (
	OpAuth        = "AUTH"
	OpStreamStart = "STREAM_START"
	OpStreamStop  = "STREAM_STOP"
)

// Command is an opcode with optional arguments. It encodes as a JSON object
// whose first key is "cmd", followed by the arguments in insertion order.
type Command struct {
	Op   string
	args *orderedmap.OrderedMap[string, any]
}

// NewCommand creates a command with no arguments.
func NewCommand(op string) Command {
	return Command{Op: op}
}

// With returns a copy of c with the argument key set to value.
func (c Command) With(key string, value any) Command {
	args := orderedmap.New[string, any]()
	if c.args != nil {
		for pair := c.args.Oldest(); pair != nil; pair = pair.Next() {
			args.Set(pair.Key, pair.Value)
		}
	}
	args.Set(key, value)
	return Command{Op: c.Op, args: args}
}

// Arg returns an argument value.
func (c Command) Arg(key string) (any, bool) {
	if c.args == nil {
		return nil, false
	}
	return c.args.Get(key)
}

// Auth builds the PIN handshake command.
func Auth(pin string) Command {
	return NewCommand(OpAuth).With("pin", pin)
}

// StreamStart builds the command that starts a timed stream.
func StreamStart(durationSeconds int) Command {
	return NewCommand(OpStreamStart).With("duration", durationSeconds)
}

// StreamStop builds the command that ends a stream.
func StreamStop() Command {
	return NewCommand(OpStreamStop)
}

// Named builds an argument-less command forwarded verbatim.
func Named(name string) Command {
	return NewCommand(name)
}

// String returns the opcode, hiding argument values such as PINs.
func (c Command) String() string {
	return c.Op
}

// Encode serialises c to compact JSON and rejects payloads over
// MaxPayloadSize.
func (c Command) Encode() ([]byte, error) {
	if strings.TrimSpace(c.Op) == "" {
		return nil, &ProtocolError{Op: "encode command", Reason: "empty opcode"}
	}

	doc := orderedmap.New[string, any]()
	doc.Set("cmd", c.Op)
	if c.args != nil {
		for pair := c.args.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Key == "cmd" {
				continue
			}
			doc.Set(pair.Key, pair.Value)
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, &ProtocolError{Op: "encode command", Reason: fmt.Sprintf("%s is not serialisable", c.Op), Err: err}
	}
	if err := checkSize("encode command "+c.Op, data); err != nil {
		return nil, err
	}
	return data, nil
}
