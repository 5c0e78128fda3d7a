package saga

import (
	"errors"
	"fmt"
	"strings"
)

// CommandKind selects when a fault-injection command fires.
type CommandKind string

const (
	FailBefore CommandKind = "failBefore"
	FailAfter  CommandKind = "failAfter"
)

// ErrCommandFailure is the error produced by a fired command.
var ErrCommandFailure = errors.New("saga: command failure")

// Command makes an execution abort before or after a given node. Commands are
// an administrative testing aid and are never recorded in the log, so a
// recovered execution runs without them.
type Command struct {
	Kind   CommandKind
	NodeID string
}

func (c Command) String() string { return string(c.Kind) + " " + c.NodeID }

// ParseCommand parses "failBefore <node>" or "failAfter <node>".
func ParseCommand(s string) (Command, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Command{}, fmt.Errorf("saga: malformed command %q", s)
	}
	kind := CommandKind(fields[0])
	if kind != FailBefore && kind != FailAfter {
		return Command{}, fmt.Errorf("saga: unknown command %q", fields[0])
	}
	return Command{Kind: kind, NodeID: fields[1]}, nil
}

// ParseCommands parses every value and stops at the first malformed one.
func ParseCommands(values []string) ([]Command, error) {
	out := make([]Command, 0, len(values))
	for _, v := range values {
		c, err := ParseCommand(v)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func fire(cmds []Command, kind CommandKind, nodeID string) error {
	for _, c := range cmds {
		if c.Kind == kind && c.NodeID == nodeID {
			return fmt.Errorf("%w: %s", ErrCommandFailure, c)
		}
	}
	return nil
}
