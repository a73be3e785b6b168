package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/ipfs/go-cid"
	"github.com/pierrec/lz4/v4"

	"infiniquotient/blockstore"
)

const applyTimeout = 5 * time.Second

type RaftNode struct {
	raft        *raft.Raft
	config      *Config
	fsm         *FSM
	transport   *raft.NetworkTransport
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	snapshots   *raft.FileSnapshotStore
	logger      hclog.Logger
}

type RaftCommand struct {
	Operation string `json:"operation"`
	Data      []byte `json:"data,omitempty"`
	Codec     uint64 `json:"codec,omitempty"`
	Cid       string `json:"cid,omitempty"`
}

// fsmResponse is what Apply hands back to the node that proposed a command.
type fsmResponse struct {
	cid     cid.Cid
	removed bool
	err     error
}

// FSM applies replicated block writes to the local filtered store. The
// filter itself is never replicated; every node keeps its own in step with
// its blocks.
type FSM struct {
	store   *blockstore.Filtered
	rebuild func(ctx context.Context) error
	logger  hclog.Logger
}

type snapshotBlock struct {
	Cid  []byte
	Data []byte
}

type FSMSnapshot struct {
	blocks []snapshotBlock
}

func NewFSM(store *blockstore.Filtered, rebuild func(ctx context.Context) error, logger hclog.Logger) *FSM {
	return &FSM{store: store, rebuild: rebuild, logger: logger.Named("fsm")}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd RaftCommand
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fsmResponse{err: fmt.Errorf("failed to unmarshal command: %w", err)}
	}

	ctx := context.Background()
	switch cmd.Operation {
	case "put":
		c, err := f.store.Put(ctx, cmd.Data, cmd.Codec)
		return fsmResponse{cid: c, err: err}
	case "rm":
		c, err := cid.Decode(cmd.Cid)
		if err != nil {
			return fsmResponse{err: err}
		}
		removed, err := f.store.Rm(ctx, c)
		return fsmResponse{cid: c, removed: removed, err: err}
	default:
		return fsmResponse{err: fmt.Errorf("unknown command: %s", cmd.Operation)}
	}
}

// Snapshot copies every block. Raft never calls it concurrently with Apply.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	ctx := context.Background()
	refs, err := f.store.Refs(ctx)
	if err != nil {
		return nil, err
	}
	blocks := make([]snapshotBlock, 0, len(refs))
	for _, c := range refs {
		data, err := f.store.Backend().Get(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("reading %s for snapshot: %w", c, err)
		}
		blocks = append(blocks, snapshotBlock{Cid: c.Bytes(), Data: data})
	}
	return &FSMSnapshot{blocks: blocks}, nil
}

// Restore replaces the store's blocks with the snapshot's and rebuilds the
// filter to fit them.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var blocks []snapshotBlock
	if err := gob.NewDecoder(lz4.NewReader(rc)).Decode(&blocks); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	ctx := context.Background()
	refs, err := f.store.Refs(ctx)
	if err != nil {
		return err
	}
	for _, c := range refs {
		if _, err := f.store.Rm(ctx, c); err != nil {
			return err
		}
	}
	for _, b := range blocks {
		c, err := cid.Cast(b.Cid)
		if err != nil {
			return fmt.Errorf("corrupt snapshot: %w", err)
		}
		got, err := f.store.Put(ctx, b.Data, c.Type())
		if err != nil {
			return err
		}
		if !got.Equals(c) {
			return fmt.Errorf("corrupt snapshot: block %s hashes to %s", c, got)
		}
	}
	f.logger.Info("restored snapshot", "blocks", len(blocks))
	if f.rebuild != nil {
		return f.rebuild(ctx)
	}
	return nil
}

func (f *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := gob.NewEncoder(zw).Encode(f.blocks); err != nil {
		sink.Cancel()
		return err
	}
	if err := zw.Close(); err != nil {
		sink.Cancel()
		return err
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (f *FSMSnapshot) Release() {}

func NewRaftNode(config *Config, fsm *FSM, logger hclog.Logger) (*RaftNode, error) {
	logger = logger.Named("raft")

	if err := os.MkdirAll(config.Raft.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := os.MkdirAll(config.Raft.SnapshotDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(config.Raft.LogDir, "raft-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(config.Raft.LogDir, "raft-stable.bolt"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(config.Raft.SnapshotDir, 3, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", config.Raft.TCPAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	transport, err := raft.NewTCPTransportWithLogger(config.Raft.TCPAddress, addr, 3, config.Raft.Timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP transport: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(config.Raft.NodeID)
	raftConfig.HeartbeatTimeout = config.Raft.Timeout
	raftConfig.ElectionTimeout = config.Raft.Timeout * 2
	raftConfig.LeaderLeaseTimeout = config.Raft.Timeout / 2
	raftConfig.CommitTimeout = config.Raft.Timeout / 20
	raftConfig.MaxAppendEntries = 64
	raftConfig.ShutdownOnRemove = false
	raftConfig.Logger = logger

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create new Raft: %w", err)
	}

	return &RaftNode{
		raft:        r,
		config:      config,
		fsm:         fsm,
		transport:   transport,
		logStore:    logStore,
		stableStore: stableStore,
		snapshots:   snapshots,
		logger:      logger,
	}, nil
}

// Start bootstraps a cluster of this node and the configured peers. A node
// that already holds raft state keeps it.
func (rn *RaftNode) Start() error {
	peers, err := parsePeers(rn.config.Raft.Peers)
	if err != nil {
		return err
	}
	servers := []raft.Server{{
		ID:      raft.ServerID(rn.config.Raft.NodeID),
		Address: rn.transport.LocalAddr(),
	}}
	for _, p := range peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(p.id), Address: raft.ServerAddress(p.address)})
	}

	err = rn.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
	if errors.Is(err, raft.ErrCantBootstrap) {
		rn.logger.Info("raft state found, skipping bootstrap")
		return nil
	}
	return err
}

func (rn *RaftNode) Stop() error {
	err := rn.raft.Shutdown().Error()
	rn.logStore.Close()
	rn.stableStore.Close()
	return err
}

// Put replicates a block write and returns the CID the local store gave it.
func (rn *RaftNode) Put(_ context.Context, data []byte, codec uint64) (cid.Cid, error) {
	resp, err := rn.applyCommand(RaftCommand{Operation: "put", Data: data, Codec: codec})
	return resp.cid, err
}

func (rn *RaftNode) Rm(_ context.Context, c cid.Cid) (bool, error) {
	resp, err := rn.applyCommand(RaftCommand{Operation: "rm", Cid: c.String()})
	return resp.removed, err
}

func (rn *RaftNode) applyCommand(cmd RaftCommand) (fsmResponse, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fsmResponse{}, err
	}

	future := rn.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return fsmResponse{}, err
	}

	resp, ok := future.Response().(fsmResponse)
	if !ok {
		return fsmResponse{}, fmt.Errorf("unexpected fsm response %T", future.Response())
	}
	return resp, resp.err
}

func (rn *RaftNode) AddPeer(nodeID, addr string) error {
	rn.logger.Info("adding peer", "id", nodeID, "address", addr)
	return rn.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0).Error()
}

func (rn *RaftNode) RemovePeer(nodeID string) error {
	rn.logger.Info("removing peer", "id", nodeID)
	return rn.raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error()
}

func (rn *RaftNode) IsLeader() bool {
	return rn.raft.State() == raft.Leader
}

func (rn *RaftNode) LeaderAddress() string {
	addr, _ := rn.raft.LeaderWithID()
	return string(addr)
}
