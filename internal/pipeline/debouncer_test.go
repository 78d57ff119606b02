package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitBatch(t *testing.T, d *Debouncer) []FileEvent {
	t.Helper()
	select {
	case batch := <-d.Output():
		return batch
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for debounced batch")
		return nil
	}
}

func TestDebouncer_CreateThenModify_CoalescesToCreate(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "a.md", Operation: OpCreated})
	d.Add(FileEvent{Path: "a.md", Operation: OpModified})

	batch := waitBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpCreated, batch[0].Operation)
}

func TestDebouncer_CreateThenDelete_CancelsOut(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "a.md", Operation: OpCreated})
	d.Add(FileEvent{Path: "a.md", Operation: OpDeleted})

	time.Sleep(30 * time.Millisecond)
	select {
	case batch := <-d.Output():
		t.Fatalf("expected no batch, got %v", batch)
	default:
	}
}

func TestDebouncer_ModifyThenDelete_ResultsInDelete(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "a.md", Operation: OpModified})
	d.Add(FileEvent{Path: "a.md", Operation: OpDeleted})

	batch := waitBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpDeleted, batch[0].Operation)
}

func TestDebouncer_DeleteThenCreate_ResultsInModify(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "a.md", Operation: OpDeleted})
	d.Add(FileEvent{Path: "a.md", Operation: OpCreated})

	batch := waitBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpModified, batch[0].Operation)
}

func TestDebouncer_DistinctPaths_EmitSeparateEntriesInOneBatch(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "a.md", Operation: OpCreated})
	d.Add(FileEvent{Path: "b.md", Operation: OpCreated})

	batch := waitBatch(t, d)
	assert.Len(t, batch, 2)
}

func TestDebouncer_StopClosesOutput(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	d.Stop()
	_, ok := <-d.Output()
	assert.False(t, ok)
}
