package main

import (
	"errors"
	"flag"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListFlag(t *testing.T) {
	var l listFlag
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(&l, "writer", "")

	require.NoError(t, fs.Parse([]string{"--writer", "WriteA, WriteB", "--writer", "WriteC", "--writer", ","}))
	assert.Equal(t, listFlag{"WriteA", "WriteB", "WriteC"}, l)
	assert.Equal(t, "WriteA,WriteB,WriteC", l.String())
}

func TestWatchAbort(t *testing.T) {
	calls := 0
	watchAbort(strings.NewReader("noise\nabort\n  abort  \nAbort\n"), func() { calls++ })
	assert.Equal(t, 2, calls)
}

func TestRenderOutcome(t *testing.T) {
	o := &renderOutcome{}
	o.OnRenderStarted(nil, false)
	o.OnRenderFinished(nil, nil)
	assert.False(t, o.failed())

	o.OnRenderFinished(nil, errors.New("boom"))
	assert.True(t, o.failed())

	stopped := &renderOutcome{}
	stopped.abort()
	assert.True(t, stopped.aborted())
	assert.True(t, stopped.failed())
}
