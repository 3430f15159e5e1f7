// pkg/client/commands.go
package client

import (
	"fmt"
	"io"
	"strings"
)

// Usage lists the interactive commands.
const Usage = `Usage:
  put <key> <value>
  get <key>
  exit
`

// Command is one parsed input line.
type Command interface {
	isCommand()
}

// Put stores Value under Key locally and publishes it to the network.
type Put struct {
	Key   string
	Value string
}

// Get looks Key up locally, then on the network.
type Get struct {
	Key string
}

// Exit ends the session.
type Exit struct{}

// Unrecognized is any line that is not a valid command.
type Unrecognized struct {
	Input  string
	Reason string
}

func (Put) isCommand()          {}
func (Get) isCommand()          {}
func (Exit) isCommand()         {}
func (Unrecognized) isCommand() {}

// Parse splits line on whitespace and maps it to a Command. Command names are
// case-sensitive and tokens past the ones a command needs are ignored.
func Parse(line string) Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Unrecognized{Input: line, Reason: "empty command"}
	}

	switch fields[0] {
	case "put":
		if len(fields) < 3 {
			return Unrecognized{Input: line, Reason: "put needs a key and a value"}
		}
		return Put{Key: fields[1], Value: fields[2]}
	case "get":
		if len(fields) < 2 {
			return Unrecognized{Input: line, Reason: "get needs a key"}
		}
		return Get{Key: fields[1]}
	case "exit":
		return Exit{}
	default:
		return Unrecognized{Input: line, Reason: fmt.Sprintf("unknown command %q", fields[0])}
	}
}

// FromArgs joins process arguments into a single command line.
func FromArgs(args []string) string {
	return strings.Join(args, " ")
}

func PrintUsage(w io.Writer) {
	fmt.Fprint(w, Usage)
}
