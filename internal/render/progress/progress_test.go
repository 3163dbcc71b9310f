package progress

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want Event
		ok   bool
	}{
		{"Frame rendered: 12 Progress: 0.2500", Event{Kind: KindFrame, Frame: 12, Fraction: 0.25}, true},
		{"Frame rendered: -3", Event{Kind: KindFrame, Frame: -3}, true},
		{"Progress: 0.5", Event{Kind: KindProgress, Fraction: 0.5}, true},
		{"  Rendering finished  ", Event{Kind: KindFinished, Fraction: 1}, true},
		{`{"level":"INFO","msg":"frame rendered"}`, Event{}, false},
		{"Frame rendered: twelve", Event{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := Parse(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriterLinesParseBack(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Frame(7, 0.5))
	require.NoError(t, w.Finished())

	var events []Event
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		ev, ok := Parse(sc.Text())
		require.True(t, ok, sc.Text())
		events = append(events, ev)
	}
	assert.Equal(t, []Event{
		{Kind: KindFrame, Frame: 7, Fraction: 0.5},
		{Kind: KindFinished, Fraction: 1},
	}, events)
}

func TestNilWriterIsSilent(t *testing.T) {
	var w *Writer
	assert.NoError(t, w.Frame(1, 0))
}
