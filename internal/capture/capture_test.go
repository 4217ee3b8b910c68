package capture

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonbio/biolink-gateway/internal/pipeline"
	"github.com/halcyonbio/biolink-gateway/internal/types"
)

func mkBatch(seq uint64) *types.ChannelBatch {
	return &types.ChannelBatch{
		Class:     types.ChannelBiosignal,
		Samples:   []float64{0.1, 0.2, 0.3},
		Rate:      types.BiosignalRate,
		StartedAt: time.Now(),
		Sequence:  seq,
	}
}

func TestCapturerWritesDumpAfterRecovery(t *testing.T) {
	dir := t.TempDir()
	ready := make(chan *DumpResult, 1)
	c := NewCapturer(dir, func(r *DumpResult) { ready <- r })

	seq := uint64(0)
	feed := func(n int) {
		for range n {
			c.WriteBatch(mkBatch(seq))
			seq++
		}
	}

	feed(10)
	c.OnFlatlineStart()
	feed(5)
	c.OnFlatlineRecover(time.Second, 0)
	feed(afterSeconds * batchesPerSecond)

	var result *DumpResult
	select {
	case result = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dump")
	}

	require.NoError(t, result.Error)
	assert.Equal(t, time.Second, result.Duration)
	// 10 before + 5 flat + trailing context
	assert.Equal(t, 10+5+afterSeconds*batchesPerSecond, result.BatchCount)

	f, err := os.Open(result.FilePath)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var header dumpHeader
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &header))
	assert.Equal(t, int64(1000), header.DurationMs)
	assert.Equal(t, string(types.ChannelBiosignal), header.Class)

	lines := 0
	for scanner.Scan() {
		var batch types.ChannelBatch
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &batch))
		lines++
	}
	assert.Equal(t, result.BatchCount, lines)
}

func TestFlushFinalizesMidDropout(t *testing.T) {
	dir := t.TempDir()
	ready := make(chan *DumpResult, 1)
	c := NewCapturer(dir, func(r *DumpResult) { ready <- r })

	seq := uint64(0)
	feed := func(n int) {
		for range n {
			c.WriteBatch(mkBatch(seq))
			seq++
		}
	}

	// Signal goes flat and the stream dies before recovery.
	feed(10)
	c.OnFlatlineStart()
	feed(5)
	c.Flush()

	var result *DumpResult
	select {
	case result = <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dump")
	}

	require.NoError(t, result.Error)
	// 10 before + 5 flat, no trailing context past the cut
	assert.Equal(t, 15, result.BatchCount)
	assert.Equal(t, 5*types.BatchWindow, result.Duration)

	// A second flush with nothing in progress writes nothing.
	c.Flush()
	select {
	case <-ready:
		t.Fatal("idle flush must not produce a dump")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCapturerDisabledWithoutDir(t *testing.T) {
	ready := make(chan *DumpResult, 1)
	c := NewCapturer("", func(r *DumpResult) { ready <- r })

	for i := range 20 {
		c.WriteBatch(mkBatch(uint64(i)))
	}
	c.OnFlatlineStart()
	c.OnFlatlineRecover(time.Second, 0)
	for i := range afterSeconds * batchesPerSecond {
		c.WriteBatch(mkBatch(uint64(i)))
	}

	select {
	case <-ready:
		t.Fatal("disabled capturer must not produce dumps")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManagerRoutesFlatlineEvents(t *testing.T) {
	dir := t.TempDir()
	ready := make(chan *DumpResult, 1)
	m := NewManager(dir, func(r *DumpResult) { ready <- r })

	seq := uint64(0)
	feed := func(n int) {
		for range n {
			m.WriteBatch(mkBatch(seq))
			seq++
		}
	}

	feed(20)
	m.HandleFlatlineEvent(pipeline.FlatlineEvent{JustEntered: true})
	feed(10)
	m.HandleFlatlineEvent(pipeline.FlatlineEvent{JustRecovered: true, TotalDurationMs: 2000, RecoveryMs: 0})
	feed(afterSeconds * batchesPerSecond)

	select {
	case result := <-ready:
		require.NoError(t, result.Error)
		assert.Equal(t, 2*time.Second, result.Duration)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dump")
	}
}

func TestCleanupRemovesOldDumps(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "2020-01-01_10-00-00.jsonl")
	fresh := filepath.Join(dir, time.Now().Format(time.DateOnly)+"_10-00-00.jsonl")
	other := filepath.Join(dir, "notes.txt")
	for _, path := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	}

	m := NewManager(dir, nil)
	m.SetRetentionDays(7)
	m.runCleanup()

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)

	// Retention 0 keeps everything
	m.SetRetentionDays(0)
	m.runCleanup()
	assert.FileExists(t, fresh)
}

func TestListDumps(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "2025-06-01_08-00-00.jsonl")
	second := filepath.Join(dir, "2025-06-02_08-00-00.jsonl")
	require.NoError(t, os.WriteFile(first, []byte("{}\n"), 0o644))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(second, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	m := NewManager(dir, nil)
	dumps, err := m.ListDumps()
	require.NoError(t, err)
	require.Len(t, dumps, 2)
	assert.Equal(t, "2025-06-02_08-00-00.jsonl", dumps[0].Name)

	empty := NewManager(filepath.Join(dir, "missing"), nil)
	dumps, err = empty.ListDumps()
	require.NoError(t, err)
	assert.Empty(t, dumps)
}
