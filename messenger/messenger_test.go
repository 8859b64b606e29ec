package messenger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipe(t *testing.T) (page, dialog *PipeMessenger) {
	t.Helper()
	page, dialog = Pipe(PipeConfig{
		PageOrigin:   "https://app.example",
		DialogOrigin: "https://id.example",
	})
	t.Cleanup(func() {
		page.Close()
		dialog.Close()
	})
	return page, dialog
}

func TestPipeDelivers(t *testing.T) {
	page, dialog := testPipe(t)

	received := make(chan Envelope, 1)
	dialog.On(TopicRPCRequest, func(env Envelope) { received <- env })

	require.NoError(t, page.Send(context.Background(), TopicRPCRequest, map[string]string{"id": "r1"}))

	select {
	case env := <-received:
		assert.Equal(t, TopicRPCRequest, env.Topic)
		assert.Equal(t, "https://app.example", env.Origin)
		assert.JSONEq(t, `{"id": "r1"}`, string(env.Payload))
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestPipePreservesPerTopicOrder(t *testing.T) {
	page, dialog := testPipe(t)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	dialog.On(TopicRPCRequest, func(env Envelope) {
		var id string
		if err := json.Unmarshal(env.Payload, &id); err != nil {
			t.Errorf("bad payload: %v", err)
			return
		}
		mu.Lock()
		got = append(got, id)
		if len(got) == 10 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, page.Send(context.Background(), TopicRPCRequest, string(rune('a'+i))))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all envelopes delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i], "per-topic send order must be preserved")
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	page, dialog := testPipe(t)

	requests := make(chan Envelope, 1)
	internal := make(chan Envelope, 1)
	dialog.On(TopicRPCRequest, func(env Envelope) { requests <- env })
	dialog.On(TopicInternal, func(env Envelope) { internal <- env })

	require.NoError(t, page.Send(context.Background(), TopicInternal, InternalPayload{Type: "resize", Width: 400}))

	select {
	case env := <-internal:
		var p InternalPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, 400, p.Width)
	case <-time.After(time.Second):
		t.Fatal("internal envelope not delivered")
	}
	select {
	case <-requests:
		t.Fatal("rpc-request handler received an internal envelope")
	default:
	}
}

func TestOriginMismatchIsDropped(t *testing.T) {
	// Wire two ends whose origin expectations do not line up: the
	// receiver expects a different dialog origin than the sender stamps.
	page, dialog := Pipe(PipeConfig{
		PageOrigin:   "https://app.example",
		DialogOrigin: "https://id.example",
	})
	defer page.Close()
	defer dialog.Close()
	dialog.expected = "https://evil.example"

	delivered := make(chan Envelope, 1)
	dialog.On(TopicRPCRequest, func(env Envelope) { delivered <- env })

	require.NoError(t, page.Send(context.Background(), TopicRPCRequest, "r1"))

	select {
	case <-delivered:
		t.Fatal("handler must never see an envelope from an unexpected origin")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOriginAnyAcceptsEverything(t *testing.T) {
	page, dialog := Pipe(PipeConfig{
		PageOrigin:   "https://app.example",
		DialogOrigin: OriginAny,
	})
	defer page.Close()
	defer dialog.Close()
	page.expected = OriginAny

	delivered := make(chan Envelope, 1)
	page.On(TopicSuccess, func(env Envelope) { delivered <- env })
	require.NoError(t, dialog.Send(context.Background(), TopicSuccess, "r1"))

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("wildcard origin should deliver")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	page, dialog := testPipe(t)

	delivered := make(chan Envelope, 2)
	off := dialog.On(TopicRPCRequest, func(env Envelope) { delivered <- env })

	require.NoError(t, page.Send(context.Background(), TopicRPCRequest, "first"))
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("first envelope not delivered")
	}

	off()
	require.NoError(t, page.Send(context.Background(), TopicRPCRequest, "second"))
	select {
	case <-delivered:
		t.Fatal("unsubscribed handler still invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendOnClosedPipe(t *testing.T) {
	page, dialog := Pipe(PipeConfig{
		PageOrigin:   "https://app.example",
		DialogOrigin: "https://id.example",
	})
	defer dialog.Close()

	require.NoError(t, page.Close())
	require.NoError(t, page.Close(), "close is idempotent")
	assert.ErrorIs(t, page.Send(context.Background(), TopicRPCRequest, "r1"), ErrClosed)
}

func TestSendHonorsContext(t *testing.T) {
	page, dialog := Pipe(PipeConfig{
		PageOrigin:   "https://app.example",
		DialogOrigin: "https://id.example",
		Buffer:       1,
	})
	defer page.Close()
	// Close the reader so its buffer fills and Send has to block.
	require.NoError(t, dialog.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, page.Send(ctx, TopicRPCRequest, "fits in buffer"))
	err := page.Send(ctx, TopicRPCRequest, "blocks")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMarshalPayloadPassesRawThrough(t *testing.T) {
	raw, err := marshalPayload(json.RawMessage(`{"already":"encoded"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"already":"encoded"}`, string(raw))

	raw, err = marshalPayload(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)
}
