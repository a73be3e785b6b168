package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/ipfs/go-cid"
	"github.com/valyala/fasthttp"

	"infiniquotient/blockstore"
)

const (
	apiKeyHeader   = "X-API-Key"
	requestTimeout = 10 * time.Second
)

// blockWriter applies block writes, either straight to the local store or
// through raft.
type blockWriter interface {
	Put(ctx context.Context, data []byte, codec uint64) (cid.Cid, error)
	Rm(ctx context.Context, c cid.Cid) (bool, error)
}

type V1PutResponse struct {
	Cid    string `json:"cid"`
	Codec  string `json:"codec"`
	Size   int    `json:"size"`
	Status string `json:"status"`
}

type V1HasResponse struct {
	Cid     string        `json:"cid"`
	Exists  bool          `json:"exists"`
	Elapsed time.Duration `json:"elapsed"`
}

type V1RmResponse struct {
	Cid     string `json:"cid"`
	Removed bool   `json:"removed"`
}

type V1ClusterParams struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type V1ClusterStatusResponse struct {
	Replicated bool   `json:"replicated"`
	IsLeader   bool   `json:"is_leader"`
	Leader     string `json:"leader,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

type Server struct {
	config  *Config
	store   *blockstore.Filtered
	writer  blockWriter
	leader  func() string
	cluster *RaftNode
	metrics *Metrics
	logger  hclog.Logger
}

func NewServer(config *Config, store *blockstore.Filtered, metrics *Metrics, logger hclog.Logger) *Server {
	return &Server{
		config:  config,
		store:   store,
		writer:  store,
		leader:  func() string { return "" },
		metrics: metrics,
		logger:  logger.Named("http"),
	}
}

// ReplicateThrough sends block writes through raft instead of applying them
// locally. Reads are always served from the local store.
func (s *Server) ReplicateThrough(rn *RaftNode) {
	s.writer = rn
	s.leader = rn.LeaderAddress
	s.cluster = rn
}

func (s *Server) Handler() fasthttp.RequestHandler {
	metricsHandler := s.metrics.Handler()

	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		route := string(ctx.Path())

		switch route {
		case "/":
			homeHandler(ctx)
		case "/metrics":
			metricsHandler(ctx)
		case "/v1/block/put":
			s.authorized(ctx, s.v1PutHandler)
		case "/v1/block/get":
			s.authorized(ctx, s.v1GetHandler)
		case "/v1/block/has":
			s.authorized(ctx, s.v1HasHandler)
		case "/v1/block/rm":
			s.authorized(ctx, s.v1RmHandler)
		case "/v1/filter/stats":
			s.authorized(ctx, s.v1StatsHandler)
		case "/v1/cluster/status":
			s.authorized(ctx, s.v1ClusterStatusHandler)
		case "/v1/cluster/join":
			s.authorized(ctx, s.v1ClusterJoinHandler)
		case "/v1/cluster/leave":
			s.authorized(ctx, s.v1ClusterLeaveHandler)
		default:
			route = "other"
			notFoundHandler(ctx)
		}

		s.metrics.observe(route, ctx.Response.StatusCode(), time.Since(start))
	}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	server := &fasthttp.Server{
		Handler:     s.Handler(),
		Name:        "infiniquotient",
		Concurrency: s.config.Server.Concurrency,
		Logger:      s.logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "address", "http://"+addr)
		errc <- server.ListenAndServe(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		return server.Shutdown()
	}
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func (s *Server) authorized(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	key := s.config.Server.APIKey
	if key != "" && subtle.ConstantTimeCompare(ctx.Request.Header.Peek(apiKeyHeader), []byte(key)) != 1 {
		writeError(ctx, fasthttp.StatusUnauthorized, errors.New("invalid api key"))
		return
	}
	next(ctx)
}

func homeHandler(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody([]byte("infiniquotient is up and running"))
}

func notFoundHandler(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusNotFound)
	ctx.SetBody([]byte("Not found"))
}

func methodNotAllowed(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
	ctx.SetBody([]byte("Method not allowed"))
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBody([]byte(err.Error()))
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, err error) {
	writeJSON(ctx, status, errorResponse{Error: err.Error()})
}

func cidParam(ctx *fasthttp.RequestCtx) (cid.Cid, bool) {
	raw := string(ctx.QueryArgs().Peek("cid"))
	if raw == "" {
		writeError(ctx, fasthttp.StatusBadRequest, errors.New("cid is required"))
		return cid.Undef, false
	}
	c, err := cid.Decode(raw)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err)
		return cid.Undef, false
	}
	return c, true
}

// writeFailed maps a write error to a response. Followers point clients at
// the leader.
func (s *Server) writeFailed(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, blockstore.ErrUnsupportedCodec):
		writeError(ctx, fasthttp.StatusUnprocessableEntity, err)
	case errors.Is(err, raft.ErrNotLeader):
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, errorResponse{Error: err.Error(), Leader: s.leader()})
	default:
		s.logger.Error("write failed", "error", err)
		writeError(ctx, fasthttp.StatusInternalServerError, err)
	}
}

// v1PutHandler stores the request body as a block. The codec query argument
// defaults to raw.
func (s *Server) v1PutHandler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		methodNotAllowed(ctx)
		return
	}

	codec := uint64(cid.Raw)
	if name := string(ctx.QueryArgs().Peek("codec")); name != "" {
		codecs, err := blockstore.ParseCodecs([]string{name})
		if err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, err)
			return
		}
		codec = codecs[0]
	}

	body := ctx.PostBody()
	if len(body) == 0 {
		writeError(ctx, fasthttp.StatusBadRequest, errors.New("block data is required"))
		return
	}
	// The body is only valid for the duration of the request.
	data := append([]byte(nil), body...)

	reqCtx, cancel := requestContext()
	defer cancel()
	c, err := s.writer.Put(reqCtx, data, codec)
	if err != nil {
		s.writeFailed(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, V1PutResponse{
		Cid:    c.String(),
		Codec:  blockstore.CodecName(codec),
		Size:   len(data),
		Status: "stored",
	})
}

func (s *Server) v1GetHandler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		methodNotAllowed(ctx)
		return
	}
	c, ok := cidParam(ctx)
	if !ok {
		return
	}

	reqCtx, cancel := requestContext()
	defer cancel()
	data, err := s.store.Get(reqCtx, c)
	switch {
	case errors.Is(err, blockstore.ErrNotFound):
		writeError(ctx, fasthttp.StatusNotFound, err)
	case err != nil:
		writeError(ctx, fasthttp.StatusInternalServerError, err)
	default:
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/octet-stream")
		ctx.SetBody(data)
	}
}

func (s *Server) v1HasHandler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		methodNotAllowed(ctx)
		return
	}
	c, ok := cidParam(ctx)
	if !ok {
		return
	}

	start := time.Now()
	reqCtx, cancel := requestContext()
	defer cancel()
	exists, err := s.store.Has(reqCtx, c)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, V1HasResponse{Cid: c.String(), Exists: exists, Elapsed: time.Since(start)})
}

func (s *Server) v1RmHandler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() && !ctx.IsDelete() {
		methodNotAllowed(ctx)
		return
	}
	c, ok := cidParam(ctx)
	if !ok {
		return
	}

	reqCtx, cancel := requestContext()
	defer cancel()
	removed, err := s.writer.Rm(reqCtx, c)
	if err != nil {
		s.writeFailed(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, V1RmResponse{Cid: c.String(), Removed: removed})
}

func (s *Server) v1StatsHandler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		methodNotAllowed(ctx)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, s.store.Stats())
}

func (s *Server) v1ClusterStatusHandler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		methodNotAllowed(ctx)
		return
	}
	if s.cluster == nil {
		writeJSON(ctx, fasthttp.StatusOK, V1ClusterStatusResponse{IsLeader: true})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, V1ClusterStatusResponse{
		Replicated: true,
		IsLeader:   s.cluster.IsLeader(),
		Leader:     s.cluster.LeaderAddress(),
	})
}

// clusterParams decodes a membership change. Only a replicated leader can
// apply one.
func (s *Server) clusterParams(ctx *fasthttp.RequestCtx) (V1ClusterParams, bool) {
	var params V1ClusterParams
	if !ctx.IsPost() {
		methodNotAllowed(ctx)
		return params, false
	}
	if s.cluster == nil {
		writeError(ctx, fasthttp.StatusConflict, errors.New("raft is not enabled"))
		return params, false
	}
	if err := json.Unmarshal(ctx.PostBody(), &params); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err)
		return params, false
	}
	if params.ID == "" {
		writeError(ctx, fasthttp.StatusBadRequest, errors.New("id is required"))
		return params, false
	}
	return params, true
}

func (s *Server) v1ClusterJoinHandler(ctx *fasthttp.RequestCtx) {
	params, ok := s.clusterParams(ctx)
	if !ok {
		return
	}
	if params.Address == "" {
		writeError(ctx, fasthttp.StatusBadRequest, errors.New("address is required"))
		return
	}
	if err := s.cluster.AddPeer(params.ID, params.Address); err != nil {
		s.writeFailed(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, params)
}

func (s *Server) v1ClusterLeaveHandler(ctx *fasthttp.RequestCtx) {
	params, ok := s.clusterParams(ctx)
	if !ok {
		return
	}
	if err := s.cluster.RemovePeer(params.ID); err != nil {
		s.writeFailed(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, params)
}
