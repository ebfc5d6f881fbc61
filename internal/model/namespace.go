package model

// LayoutVersion is the protocol/layout version this build speaks. A node
// refuses to join a cluster whose authority reports a different version;
// that decision is local and fatal.
const LayoutVersion int32 = 8

// NamespaceInfo identifies a cluster namespace and the protocol version the
// authority speaks. It is fetched once, before registration.
type NamespaceInfo struct {
	ClusterID     string `json:"cluster_id"`
	NamespaceID   int32  `json:"namespace_id"`
	LayoutVersion int32  `json:"layout_version"`
	CTime         int64  `json:"ctime"`
}

// CompatibleWith reports whether a node built at the given layout version
// may join this namespace.
func (n NamespaceInfo) CompatibleWith(layoutVersion int32) bool {
	return n.LayoutVersion == layoutVersion
}

// UpgradeCommand is the generic two-way distributed-upgrade exchange. The
// payload is opaque to the base protocol; interpretation belongs to the
// handler registered for UpgradeType.
type UpgradeCommand struct {
	UpgradeType uint32 `json:"upgrade_type"`
	Payload     []byte `json:"payload,omitempty"`
}

// BlockCrcInfo pairs a block with its current replica locations. It serves
// only the legacy migration path for nodes that missed a cluster-wide
// upgrade and must resolve locations outside the normal report cycle.
type BlockCrcInfo struct {
	Block     Block          `json:"block"`
	Locations []DatanodeInfo `json:"locations"`
}

// ErrorCode classifies a node's one-way diagnostic report.
// The numeric values are part of the wire contract.
type ErrorCode int32

const (
	ErrorNotify       ErrorCode = 0
	ErrorDiskFault    ErrorCode = 1
	ErrorInvalidBlock ErrorCode = 2
)

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	switch c {
	case ErrorNotify:
		return "notify"
	case ErrorDiskFault:
		return "disk_error"
	case ErrorInvalidBlock:
		return "invalid_block"
	default:
		return "unknown"
	}
}
