// Package protocol defines the RPC contract between storage nodes and the
// placement authority. The transport underneath is assumed to deliver each
// call at least once with no ordering guarantee, so every operation is
// idempotent or harmlessly repeatable.
package protocol

import (
	"context"
	"errors"

	"github.com/blockdfs/blockdfs/internal/model"
)

var (
	// ErrIncompatibleVersion means the node's layout version does not match
	// the authority's namespace. Fatal on the node side; never retried.
	ErrIncompatibleVersion = errors.New("incompatible layout version")

	// ErrNotRegistered means the presented registration token is not
	// recognized by the authority.
	ErrNotRegistered = errors.New("datanode not registered")

	// ErrUpgradeSequence means an upgrade command was malformed or out of
	// sequence for the current upgrade phase.
	ErrUpgradeSequence = errors.New("upgrade command out of sequence")

	// ErrUnknownBlock means the authority holds no replica locations for
	// the requested block.
	ErrUnknownBlock = errors.New("unknown block")
)

// DatanodeProtocol is everything a storage node may ask of the authority.
// The authority never initiates a call; its only channel back to a node is
// the command returned from SendHeartbeat or BlockReport.
type DatanodeProtocol interface {
	// VersionRequest returns the authority's namespace identity and
	// protocol version. Called once, before registration.
	VersionRequest(ctx context.Context) (*model.NamespaceInfo, error)

	// Register establishes (or re-establishes) the node's session. The
	// returned registration carries the authoritative storage ID and a
	// fresh registration token. Idempotent per storage ID.
	Register(ctx context.Context, reg *model.DatanodeRegistration, networkLocation string) (*model.DatanodeRegistration, error)

	// SendHeartbeat reports liveness and load, and picks up at most one
	// pending command. An unrecognized token yields a register command.
	SendHeartbeat(ctx context.Context, reg *model.DatanodeRegistration, capacity, remaining int64, xmitsInProgress, xceiverCount int) (model.Command, error)

	// BlockReport uploads the node's complete block inventory. The returned
	// command, if any, is the invalidation set: blocks the node holds that
	// the authority does not attribute to it.
	BlockReport(ctx context.Context, reg *model.DatanodeRegistration, blocks []model.Block) (model.Command, error)

	// BlockReceived notifies the authority of replicas that just landed on
	// this node. Safe under duplicate delivery.
	BlockReceived(ctx context.Context, reg *model.DatanodeRegistration, blocks []model.Block) error

	// ErrorReport is a one-way diagnostic channel. It never alters
	// authority metadata.
	ErrorReport(ctx context.Context, reg *model.DatanodeRegistration, code model.ErrorCode, message string) error

	// ProcessUpgradeCommand forwards an opaque upgrade command and returns
	// the authority's opaque reply.
	ProcessUpgradeCommand(ctx context.Context, cmd *model.UpgradeCommand) (*model.UpgradeCommand, error)

	// BlockCrcLocations resolves one block's replica locations outside the
	// normal report cycle. Legacy escape hatch for nodes that missed a
	// cluster-wide upgrade.
	BlockCrcLocations(ctx context.Context, b model.Block) (*model.BlockCrcInfo, error)
}
