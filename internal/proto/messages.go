package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FormField is the POST form field carrying the JSON-encoded command array.
const FormField = "data"

// Command is a browser instruction encoded on the wire as [name, arg0, arg1, ...].
// Arguments are kept as raw JSON so the bridge never reinterprets them.
type Command struct {
	Name string
	Args []json.RawMessage
}

// NewCommand encodes args into a Command.
func NewCommand(name string, args ...any) (Command, error) {
	cmd := Command{Name: name, Args: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return Command{}, fmt.Errorf("command %s arg %d: %w", name, i, err)
		}
		cmd.Args = append(cmd.Args, b)
	}
	return cmd, nil
}

// MustCommand is NewCommand for arguments known to be encodable.
func MustCommand(name string, args ...any) Command {
	cmd, err := NewCommand(name, args...)
	if err != nil {
		panic(err)
	}
	return cmd
}

func (c Command) MarshalJSON() ([]byte, error) {
	if c.Name == "" {
		return nil, errors.New("command name is empty")
	}
	parts := make([]json.RawMessage, 0, len(c.Args)+1)
	name, err := json.Marshal(c.Name)
	if err != nil {
		return nil, err
	}
	parts = append(parts, name)
	parts = append(parts, c.Args...)
	return json.Marshal(parts)
}

func (c *Command) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return fmt.Errorf("command must be a JSON array: %w", err)
	}
	if len(parts) == 0 {
		return errors.New("command array is empty")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil || name == "" {
		return errors.New("command name must be a non-empty string")
	}
	c.Name = name
	c.Args = parts[1:]
	return nil
}

// ParseCommand decodes the text of the form field.
func ParseCommand(data string) (Command, error) {
	var c Command
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return Command{}, err
	}
	return c, nil
}

// TokenResponse answers the token lookup endpoint.
type TokenResponse struct {
	ExitCode int    `json:"exit_code"`
	Token    string `json:"token"`
}

// Failure is returned by the RPC endpoint when no browser result is available.
type Failure struct {
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}
