package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/blockdfs/blockdfs/internal/authority"
	"github.com/blockdfs/blockdfs/internal/model"
	"github.com/blockdfs/blockdfs/internal/protocol"
)

// Handlers maps the datanode protocol and the admin surface onto HTTP.
type Handlers struct {
	service *authority.Service
	logger  *zap.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(service *authority.Service, logger *zap.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// Version handles GET /v1/datanode/version.
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	ns, err := h.service.VersionRequest(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ns)
}

// Register handles POST /v1/datanode/register.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	reg, err := h.service.Register(r.Context(), &req.Registration, req.NetworkLocation)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, protocol.RegisterResponse{Registration: *reg})
}

// Heartbeat handles POST /v1/datanode/heartbeat.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if !h.decode(w, r, &req) {
		return
	}
	cmd, err := h.service.SendHeartbeat(r.Context(), &req.Registration,
		req.Capacity, req.Remaining, req.XmitsInProgress, req.XceiverCount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, protocol.HeartbeatResponse{Command: model.EncodeCommand(cmd)})
}

// BlockReport handles POST /v1/datanode/block-report.
func (h *Handlers) BlockReport(w http.ResponseWriter, r *http.Request) {
	var req protocol.BlockReportRequest
	if !h.decode(w, r, &req) {
		return
	}
	cmd, err := h.service.BlockReport(r.Context(), &req.Registration, req.Blocks)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, protocol.BlockReportResponse{Command: model.EncodeCommand(cmd)})
}

// BlockReceived handles POST /v1/datanode/block-received.
func (h *Handlers) BlockReceived(w http.ResponseWriter, r *http.Request) {
	var req protocol.BlockReceivedRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.BlockReceived(r.Context(), &req.Registration, req.Blocks); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ErrorReport handles POST /v1/datanode/error-report.
func (h *Handlers) ErrorReport(w http.ResponseWriter, r *http.Request) {
	var req protocol.ErrorReportRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.ErrorReport(r.Context(), &req.Registration, req.ErrorCode, req.Message); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Upgrade handles POST /v1/datanode/upgrade.
func (h *Handlers) Upgrade(w http.ResponseWriter, r *http.Request) {
	var cmd model.UpgradeCommand
	if !h.decode(w, r, &cmd) {
		return
	}
	reply, err := h.service.ProcessUpgradeCommand(r.Context(), &cmd)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reply)
}

// BlockCrcLocations handles POST /v1/datanode/block-crc-locations.
func (h *Handlers) BlockCrcLocations(w http.ResponseWriter, r *http.Request) {
	var req protocol.BlockCrcLocationsRequest
	if !h.decode(w, r, &req) {
		return
	}
	info, err := h.service.BlockCrcLocations(r.Context(), req.Block)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// Locations handles GET /v1/blocks/{block_id}/locations. The response body
// is the block's location record in its exact binary wire layout.
func (h *Handlers) Locations(w http.ResponseWriter, r *http.Request) {
	blockID, err := strconv.ParseInt(mux.Vars(r)["block_id"], 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "invalid block id"})
		return
	}
	located, ok := h.service.Locate(blockID)
	if !ok {
		h.writeError(w, protocol.ErrUnknownBlock)
		return
	}
	payload, err := located.MarshalBinary()
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// ListNodes handles GET /v1/admin/nodes.
func (h *Handlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.Sessions())
}

// EnqueueCommand handles POST /v1/admin/nodes/{storage_id}/commands. The
// body is a command envelope; the command rides out on the node's next
// heartbeat.
func (h *Handlers) EnqueueCommand(w http.ResponseWriter, r *http.Request) {
	storageID := mux.Vars(r)["storage_id"]
	var env model.CommandEnvelope
	if !h.decode(w, r, &env) {
		return
	}
	cmd, err := env.Decode()
	if err != nil || cmd == nil {
		h.writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "invalid command"})
		return
	}
	if !h.service.EnqueueCommand(storageID, cmd) {
		h.writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: "unknown storage id"})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrUnknownBlock):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrNotRegistered):
		status = http.StatusForbidden
	case errors.Is(err, protocol.ErrUpgradeSequence):
		status = http.StatusConflict
	}
	h.writeJSON(w, status, protocol.ErrorResponse{Error: err.Error()})
}
