package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infiniquotient/blockstore"
)

type memorySink struct {
	bytes.Buffer
	cancelled, closed bool
}

func (s *memorySink) ID() string { return "memory" }

func (s *memorySink) Cancel() error {
	s.cancelled = true
	return nil
}

func (s *memorySink) Close() error {
	s.closed = true
	return nil
}

func newTestFSM(t *testing.T) (*FSM, *blockstore.Filtered) {
	t.Helper()
	cfg := createDefaultConfig()
	cfg.Filter.MinLogSize = 8
	logger := hclog.NewNullLogger()
	store, err := openStore(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	rebuild := func(ctx context.Context) error { return rebuildFilter(ctx, cfg, store, logger) }
	return NewFSM(store, rebuild, logger), store
}

func applyCommand(t *testing.T, f *FSM, cmd RaftCommand) fsmResponse {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	resp, ok := f.Apply(&raft.Log{Data: data}).(fsmResponse)
	require.True(t, ok)
	return resp
}

func TestFSMApply(t *testing.T) {
	f, store := newTestFSM(t)
	ctx := context.Background()

	resp := applyCommand(t, f, RaftCommand{Operation: "put", Data: []byte("replicated"), Codec: cid.Raw})
	require.NoError(t, resp.err)
	found, err := store.Has(ctx, resp.cid)
	require.NoError(t, err)
	assert.True(t, found)

	rm := applyCommand(t, f, RaftCommand{Operation: "rm", Cid: resp.cid.String()})
	require.NoError(t, rm.err)
	assert.True(t, rm.removed)
	rm = applyCommand(t, f, RaftCommand{Operation: "rm", Cid: resp.cid.String()})
	require.NoError(t, rm.err)
	assert.False(t, rm.removed)

	assert.Error(t, applyCommand(t, f, RaftCommand{Operation: "insert"}).err)
	assert.Error(t, applyCommand(t, f, RaftCommand{Operation: "rm", Cid: "garbage"}).err)

	bad, ok := f.Apply(&raft.Log{Data: []byte("{")}).(fsmResponse)
	require.True(t, ok)
	assert.Error(t, bad.err)
}

func TestFSMSnapshotRestore(t *testing.T) {
	src, srcStore := newTestFSM(t)
	var cids []cid.Cid
	for i := 0; i < 500; i++ {
		resp := applyCommand(t, src, RaftCommand{Operation: "put", Data: []byte{byte(i), byte(i >> 8), 42}, Codec: cid.Raw})
		require.NoError(t, resp.err)
		cids = append(cids, resp.cid)
	}

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.True(t, sink.closed)
	assert.False(t, sink.cancelled)

	dst, dstStore := newTestFSM(t)
	ctx := context.Background()
	stale, err := dstStore.Put(ctx, []byte("stale"), cid.Raw)
	require.NoError(t, err)

	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	for _, c := range cids {
		data, err := dstStore.Get(ctx, c)
		require.NoError(t, err)
		want, err := srcStore.Get(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, want, data)
	}
	found, err := dstStore.Has(ctx, stale)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, uint64(len(cids)), dstStore.Stats().Entries)
}

func TestFSMRestoreRejectsGarbage(t *testing.T) {
	f, _ := newTestFSM(t)
	err := f.Restore(io.NopCloser(bytes.NewReader([]byte("not a snapshot"))))
	assert.Error(t, err)
}
