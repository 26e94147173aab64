package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/motor.monitor/internal/telemetry"
)

type fakeSource struct{}

func (fakeSource) States() []telemetry.ErrorState {
	return []telemetry.ErrorState{
		{Motor: 0, Code: 0, Text: "no error", Set: true},
		{Motor: 1, Code: 2, Text: "motor over-current", Set: true},
	}
}

func (fakeSource) Keys() []string { return []string{"Motor1/Pos", "Motor2/Pos"} }

func startServer(t *testing.T, hub *telemetry.Hub) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterService(srv, NewServer(hub, fakeSource{}, 8))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestGetStatus(t *testing.T) {
	client := startServer(t, telemetry.NewHub())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := client.GetStatus(ctx)
	require.NoError(t, err)
	motors := st.GetFields()["motors"].GetListValue().GetValues()
	require.Len(t, motors, 2)
	m1 := motors[1].GetStructValue().GetFields()
	assert.Equal(t, 2.0, m1["code"].GetNumberValue())
	assert.Equal(t, "motor over-current", m1["text"].GetStringValue())
}

func TestGetSeriesKeys(t *testing.T) {
	client := startServer(t, telemetry.NewHub())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys, err := client.GetSeriesKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Motor1/Pos", "Motor2/Pos"}, keys)
}

func TestSubscribe_StreamsFilteredEvents(t *testing.T) {
	hub := telemetry.NewHub()
	client := startServer(t, hub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{"keys": []interface{}{"Motor2/Pos"}})
	require.NoError(t, err)
	stream, err := client.Subscribe(ctx, req)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Push([]telemetry.Point{{Key: "Motor1/Pos", Time: 1, Value: 0.1}})
	hub.Push([]telemetry.Point{
		{Key: "Motor1/Pos", Time: 2, Value: 0.2},
		{Key: "Motor2/Pos", Time: 2, Value: 0.3},
	})
	hub.StatusChanged(telemetry.NewStatusUpdate(1, 7, time.Unix(2, 0)))

	// The first push has nothing for Motor2 and is skipped.
	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "points", msg.GetFields()["type"].GetStringValue())
	pts := msg.GetFields()["points"].GetListValue().GetValues()
	require.Len(t, pts, 1)
	assert.Equal(t, "Motor2/Pos", pts[0].GetStructValue().GetFields()["key"].GetStringValue())
	assert.Equal(t, 0.3, pts[0].GetStructValue().GetFields()["v"].GetNumberValue())

	msg, err = stream.Recv()
	require.NoError(t, err)
	f := msg.GetFields()
	assert.Equal(t, "status", f["type"].GetStringValue())
	assert.Equal(t, 1.0, f["motor"].GetNumberValue())
	assert.Equal(t, "DRV driver fault", f["text"].GetStringValue())
	assert.Equal(t, "alert", f["color_hint"].GetStringValue())

	cancel()
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribe_StartsWithCurrentStates(t *testing.T) {
	hub := telemetry.NewHub()
	hub.StatusChanged(telemetry.NewStatusUpdate(4, 3, time.Unix(1, 0)))
	hub.StatusChanged(telemetry.NewStatusUpdate(0, 1, time.Unix(1, 0)))

	client := startServer(t, hub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Subscribe(ctx, nil)
	require.NoError(t, err)

	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "states", msg.GetFields()["type"].GetStringValue())
	states := msg.GetFields()["states"].GetListValue().GetValues()
	require.Len(t, states, 2)
	assert.Equal(t, 0.0, states[0].GetStructValue().GetFields()["motor"].GetNumberValue())
	assert.Equal(t, "motor under-voltage", states[1].GetStructValue().GetFields()["text"].GetStringValue())
}

func TestSubscribe_EndsWhenHubCloses(t *testing.T) {
	hub := telemetry.NewHub()
	client := startServer(t, hub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Subscribe(ctx, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Close()
	_, err = stream.Recv()
	assert.Error(t, err, "stream should end after hub close")
}

func TestEventToStruct_StatusOnly(t *testing.T) {
	msg, err := eventToStruct(telemetry.Event{Points: []telemetry.Point{{Key: "k"}}}, nil, true)
	require.NoError(t, err)
	assert.Nil(t, msg)
}
