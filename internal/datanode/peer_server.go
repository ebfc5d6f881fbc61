package datanode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/blockdfs/blockdfs/internal/model"
)

const (
	headerGeneration = "X-Block-Generation"
)

// PeerServer accepts replica pushes from other storage nodes and serves
// local replicas for reads. It is the node's only inbound surface; all
// coordination still flows through the authority.
type PeerServer struct {
	store      *BlockStore
	logger     *zap.Logger
	httpServer *http.Server

	// Active data connections, reported as xceiverCount on heartbeats.
	xceivers int32
}

// NewPeerServer creates the peer data server.
func NewPeerServer(addr string, store *BlockStore, logger *zap.Logger) *PeerServer {
	s := &PeerServer{store: store, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/v1/blocks/{block_id}", s.putBlock).Methods(http.MethodPut)
	router.HandleFunc("/v1/blocks/{block_id}", s.getBlock).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.countConnections(router),
	}
	return s
}

// Start blocks serving until shutdown.
func (s *PeerServer) Start() error {
	s.logger.Info("starting peer data server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("peer server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight transfers.
func (s *PeerServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// XceiverCount returns the number of active data connections.
func (s *PeerServer) XceiverCount() int {
	return int(atomic.LoadInt32(&s.xceivers))
}

func (s *PeerServer) countConnections(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.xceivers, 1)
		defer atomic.AddInt32(&s.xceivers, -1)
		next.ServeHTTP(w, r)
	})
}

func (s *PeerServer) putBlock(w http.ResponseWriter, r *http.Request) {
	blockID, err := strconv.ParseInt(mux.Vars(r)["block_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid block id", http.StatusBadRequest)
		return
	}
	generation, err := strconv.ParseInt(r.Header.Get(headerGeneration), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid generation header", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	b := model.Block{ID: blockID, NumBytes: int64(len(data)), Generation: generation}
	if err := s.store.Put(b, data); err != nil {
		s.logger.Error("failed to store pushed replica",
			zap.Int64("block_id", blockID),
			zap.Error(err))
		http.Error(w, "store replica", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *PeerServer) getBlock(w http.ResponseWriter, r *http.Request) {
	blockID, err := strconv.ParseInt(mux.Vars(r)["block_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid block id", http.StatusBadRequest)
		return
	}
	b, data, err := s.store.Get(blockID)
	switch {
	case errors.Is(err, ErrNoReplica):
		http.Error(w, "no such block", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("failed to read replica",
			zap.Int64("block_id", blockID),
			zap.Error(err))
		http.Error(w, "read replica", http.StatusInternalServerError)
		return
	}
	w.Header().Set(headerGeneration, strconv.FormatInt(b.Generation, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// PushReplica sends one replica to a peer's data endpoint.
func PushReplica(ctx context.Context, httpClient *http.Client, peer model.DatanodeInfo, b model.Block, data []byte) error {
	url := fmt.Sprintf("http://%s/v1/blocks/%d", peer.Addr, b.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set(headerGeneration, strconv.FormatInt(b.Generation, 10))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push block %d to %s: %w", b.ID, peer.Addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("push block %d to %s: http status %d", b.ID, peer.Addr, resp.StatusCode)
	}
	return nil
}

// defaultPushTimeout bounds a single replica push.
const defaultPushTimeout = 2 * time.Minute
