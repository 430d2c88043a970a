//go:build integration

package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/memhook/natsclient"
	"github.com/c360/memhook/notify"
)

func TestIntegration_NATSNotifierPublishesToServer(t *testing.T) {
	ctx := context.Background()
	tc := natsclient.NewTestClient(t)

	received := make(chan []byte, 4)
	require.NoError(t, tc.Client.Subscribe(ctx, "memhook.property.changed.player.hp", func(_ context.Context, data []byte) {
		received <- data
	}))

	d := startDispatcher(t, notify.DispatcherDeps{
		Sinks: []notify.ClientNotifier{notify.NewNATSNotifier(tc.Client, "")},
	})
	require.NoError(t, d.OnPropertyChanged(ctx, notify.PropertyChange{Path: "player.hp", Value: 42}))
	flush(t, d)
	require.NoError(t, tc.Client.Flush(ctx))

	select {
	case data := <-received:
		var env notify.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, notify.EventPropertyChanged, env.Event)
		assert.Contains(t, string(env.Data), `"value":42`)
	case <-time.After(2 * time.Second):
		t.Fatal("property change not received")
	}
}
