package executor

import (
	"fmt"

	"github.com/mattjoyce/provisiond/internal/protocol"
)

// DefaultExtraArgs keeps the tool non-interactive with plain output.
var DefaultExtraArgs = []string{"-input=false", "-no-color"}

// BuildArgs maps a validated request to the tool's argument vector. The target is passed as
// its own argument and never through a shell.
func BuildArgs(cmd protocol.Command, target string, extra []string) ([]string, error) {
	var args []string
	switch cmd {
	case protocol.CommandPlan:
		args = []string{"plan"}
	case protocol.CommandApply:
		args = []string{"apply", "-auto-approve"}
	case protocol.CommandDestroy:
		args = []string{"destroy", "-auto-approve"}
	default:
		return nil, &protocol.ValidationError{Field: "command", Reason: fmt.Sprintf("unsupported command %q", cmd)}
	}
	args = append(args, extra...)

	if cmd == protocol.CommandDestroy && target != "" {
		if !protocol.ValidTarget(target) {
			return nil, &protocol.ValidationError{Field: "config.target", Reason: "must contain only letters, digits, '.', '_' or '-'"}
		}
		args = append(args, "-target", target)
	}
	return args, nil
}
