package events

import (
	"context"
	"strings"
	"testing"

	"github.com/specialistvlad/scenegrid/internal/nodestore"
	"github.com/specialistvlad/scenegrid/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi(a, nil, b)
	sink.Publish(context.Background(), Event{Kind: NodeState, Node: "x", State: nodestore.Running})

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
	assert.Equal(t, []nodestore.State{nodestore.Running}, a.States("x"))
}

func TestMultiOfNothingDiscards(t *testing.T) {
	assert.NotPanics(t, func() { Multi().Publish(context.Background(), Event{}) })
}

func TestLogSink(t *testing.T) {
	ctx, buf := testutil.Context(t)
	Log.Publish(ctx, Event{Kind: NodeState, Node: "fetch", State: nodestore.Failed, Error: "boom"})
	Log.Publish(ctx, Event{Kind: RunFinished, RunID: "r1", Status: "failed"})

	out := buf.String()
	assert.True(t, strings.Contains(out, "node=fetch"), out)
	assert.Contains(t, out, "state=failed")
	assert.Contains(t, out, "run_id=r1")
}
