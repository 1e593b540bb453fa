package viewer

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hperssn/modtrack/internal/broadcast"
)

func TestDecoder(t *testing.T) {
	stream := strings.Join([]string{
		": connected",
		"",
		"event: plan:remove",
		`data: {"rev":3,"clientId":"c1"}`,
		"",
		"data: orphan data is dropped",
		"",
		"event: station:update",
		`data: {"rev":4,"category":"BRAIN",`,
		`data: "index":1,"data":null}`,
		"",
		"",
	}, "\n")

	dec := NewDecoder(strings.NewReader(stream))

	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, broadcast.PlanRemove{Rev: 3, ClientID: "c1"}, ev)

	ev, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, broadcast.StationUpdate{Rev: 4, Category: "BRAIN", Index: 1}, ev)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_Errors(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		check  func(error) bool
	}{
		{"truncated", "event: plan:list\ndata: {}", func(err error) bool { return errors.Is(err, io.ErrUnexpectedEOF) }},
		{"unknown event", "event: plan:explode\ndata: {}\n\n", func(err error) bool { return err != nil && !errors.Is(err, io.EOF) }},
		{"bad json", "event: plan:list\ndata: {\n\n", func(err error) bool { return err != nil && !errors.Is(err, io.EOF) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(tt.stream)).Next()
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}
