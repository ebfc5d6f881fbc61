package protocol

import "github.com/blockdfs/blockdfs/internal/model"

// Request and response bodies for the HTTP transport. Shared by the
// authority-side handlers and the node-side client so the two cannot drift.

type RegisterRequest struct {
	Registration    model.DatanodeRegistration `json:"registration"`
	NetworkLocation string                     `json:"network_location"`
}

type RegisterResponse struct {
	Registration model.DatanodeRegistration `json:"registration"`
}

type HeartbeatRequest struct {
	Registration    model.DatanodeRegistration `json:"registration"`
	Capacity        int64                      `json:"capacity"`
	Remaining       int64                      `json:"remaining"`
	XmitsInProgress int                        `json:"xmits_in_progress"`
	XceiverCount    int                        `json:"xceiver_count"`
}

type HeartbeatResponse struct {
	Command model.CommandEnvelope `json:"command"`
}

type BlockReportRequest struct {
	Registration model.DatanodeRegistration `json:"registration"`
	Blocks       []model.Block              `json:"blocks"`
}

type BlockReportResponse struct {
	Command model.CommandEnvelope `json:"command"`
}

type BlockReceivedRequest struct {
	Registration model.DatanodeRegistration `json:"registration"`
	Blocks       []model.Block              `json:"blocks"`
}

type ErrorReportRequest struct {
	Registration model.DatanodeRegistration `json:"registration"`
	ErrorCode    model.ErrorCode            `json:"error_code"`
	Message      string                     `json:"message"`
}

type BlockCrcLocationsRequest struct {
	Block model.Block `json:"block"`
}

// ErrorResponse is the JSON body returned for failed calls.
type ErrorResponse struct {
	Error string `json:"error"`
}
