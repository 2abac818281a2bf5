package metadata

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelopepkg "github.com/drblury/flowbus/internal/runtime/envelope"
)

func TestHeaderRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	h := envelopepkg.Header{
		ID:             "01J0000000000000000000000A",
		CorrelationID:  "corr",
		ReplyChannel:   "replies",
		SequenceNumber: 2,
		SequenceSize:   3,
		CreatedAt:      created,
		Properties:     map[string]string{"tenant": "acme"},
	}

	got, err := FromHeader(h).Header()
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestFromHeaderSkipsEmptyAndReserved(t *testing.T) {
	md := FromHeader(envelopepkg.Header{
		ID:         "id",
		Properties: map[string]string{KeyCorrelationID: "spoofed", "x": "1"},
	})

	assert.Equal(t, Metadata{KeyID: "id", "x": "1"}, md)
}

func TestHeaderRejectsMalformedNumbers(t *testing.T) {
	_, err := Metadata{KeySequenceNumber: "two"}.Header()
	assert.ErrorContains(t, err, KeySequenceNumber)

	_, err = Metadata{KeyCreatedAt: "yesterday"}.Header()
	assert.ErrorContains(t, err, KeyCreatedAt)
}

func TestCloneAndWith(t *testing.T) {
	var empty Metadata
	assert.NotNil(t, empty.Clone())

	base := Metadata{"a": "1"}
	next := base.With("b", "2")
	assert.NotContains(t, base, "b")
	assert.Equal(t, "2", next["b"])
}

func TestWatermillConversion(t *testing.T) {
	wm := ToWatermill(Metadata{"k": "v"})
	assert.Equal(t, message.Metadata{"k": "v"}, wm)

	back := FromWatermill(wm)
	back["k"] = "changed"
	assert.Equal(t, "v", wm["k"])
}
