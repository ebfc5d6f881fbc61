package model

import "fmt"

// Action enumerates the directives the authority may hand a storage node.
// The numeric values are part of the wire contract.
type Action int32

const (
	ActionNone       Action = 0
	ActionTransfer   Action = 1
	ActionInvalidate Action = 2
	ActionShutdown   Action = 3
	ActionRegister   Action = 4
	ActionFinalize   Action = 5
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionTransfer:
		return "transfer"
	case ActionInvalidate:
		return "invalidate"
	case ActionShutdown:
		return "shutdown"
	case ActionRegister:
		return "register"
	case ActionFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("action(%d)", int32(a))
	}
}

// Command is a single directive for a storage node. At most one command is
// delivered per heartbeat response; a nil Command means no action.
type Command interface {
	Action() Action
}

// TransferCommand asks the node to copy replicas to other nodes.
// Targets[i] lists the destinations for Blocks[i].
type TransferCommand struct {
	Blocks  []Block
	Targets [][]DatanodeInfo
}

// Action implements Command.
func (TransferCommand) Action() Action { return ActionTransfer }

// InvalidateCommand asks the node to delete its local replicas of Blocks.
type InvalidateCommand struct {
	Blocks []Block
}

// Action implements Command.
func (InvalidateCommand) Action() Action { return ActionInvalidate }

// ShutdownCommand asks the node to stop; the authority retires its session.
type ShutdownCommand struct{}

// Action implements Command.
func (ShutdownCommand) Action() Action { return ActionShutdown }

// RegisterCommand tells the node its registration is no longer recognized
// and it must register again before anything else proceeds.
type RegisterCommand struct{}

// Action implements Command.
func (RegisterCommand) Action() Action { return ActionRegister }

// FinalizeCommand tells the node to finalize its pending upgrade.
type FinalizeCommand struct{}

// Action implements Command.
func (FinalizeCommand) Action() Action { return ActionFinalize }

// CommandEnvelope is the transport representation of a Command. A nil
// Command encodes as ActionNone.
type CommandEnvelope struct {
	Action  Action           `json:"action"`
	Blocks  []Block          `json:"blocks,omitempty"`
	Targets [][]DatanodeInfo `json:"targets,omitempty"`
}

// EncodeCommand flattens a Command into its transport envelope.
func EncodeCommand(c Command) CommandEnvelope {
	switch cmd := c.(type) {
	case nil:
		return CommandEnvelope{Action: ActionNone}
	case TransferCommand:
		return CommandEnvelope{Action: ActionTransfer, Blocks: cmd.Blocks, Targets: cmd.Targets}
	case InvalidateCommand:
		return CommandEnvelope{Action: ActionInvalidate, Blocks: cmd.Blocks}
	default:
		return CommandEnvelope{Action: c.Action()}
	}
}

// Decode rebuilds the Command from its envelope. ActionNone decodes to nil.
func (e CommandEnvelope) Decode() (Command, error) {
	switch e.Action {
	case ActionNone:
		return nil, nil
	case ActionTransfer:
		if len(e.Targets) != len(e.Blocks) {
			return nil, fmt.Errorf("transfer command has %d blocks but %d target lists", len(e.Blocks), len(e.Targets))
		}
		return TransferCommand{Blocks: e.Blocks, Targets: e.Targets}, nil
	case ActionInvalidate:
		return InvalidateCommand{Blocks: e.Blocks}, nil
	case ActionShutdown:
		return ShutdownCommand{}, nil
	case ActionRegister:
		return RegisterCommand{}, nil
	case ActionFinalize:
		return FinalizeCommand{}, nil
	default:
		return nil, fmt.Errorf("unknown command action %d", e.Action)
	}
}
