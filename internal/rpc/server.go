package rpc

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/motor.monitor/internal/telemetry"
)

// Ensure Server implements the service interface.
var _ TelemetryServer = (*Server)(nil)

// StateSource provides the current snapshot for unary calls.
type StateSource interface {
	States() []telemetry.ErrorState
	Keys() []string
}

// Server streams hub events to gRPC clients.
type Server struct {
	hub   *telemetry.Hub
	src   StateSource
	depth int
}

// NewServer creates a Server. depth is the per-client event queue length.
func NewServer(hub *telemetry.Hub, src StateSource, depth int) *Server {
	if depth <= 0 {
		depth = 64
	}
	return &Server{hub: hub, src: src, depth: depth}
}

func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	filter := map[string]bool{}
	if keys := req.GetFields()["keys"].GetListValue(); keys != nil {
		for _, v := range keys.GetValues() {
			filter[v.GetStringValue()] = true
		}
	}
	statusOnly := req.GetFields()["status_only"].GetBoolValue()

	id, events := s.hub.Subscribe(s.depth)
	defer s.hub.Unsubscribe(id)
	log.Printf("[gRPC] subscriber %s connected (keys=%d status_only=%v)", id, len(filter), statusOnly)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[gRPC] subscriber %s disconnected", id)
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := eventToStruct(ev, filter, statusOnly)
			if err != nil {
				return status.Errorf(codes.Internal, "encode event: %v", err)
			}
			if msg == nil {
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.src == nil {
		return nil, status.Error(codes.Unavailable, "no state source")
	}
	motors := make([]interface{}, 0)
	for _, st := range s.src.States() {
		motors = append(motors, map[string]interface{}{
			"motor": st.Motor,
			"code":  st.Code,
			"text":  st.Text,
			"set":   st.Set,
		})
	}
	out, err := structpb.NewStruct(map[string]interface{}{"motors": motors})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func (s *Server) GetSeriesKeys(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	var keys []string
	if s.src != nil {
		keys = s.src.Keys()
	} else {
		keys = s.hub.Keys()
	}
	values := make([]interface{}, len(keys))
	for i, k := range keys {
		values[i] = k
	}
	out, err := structpb.NewList(values)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode keys: %v", err)
	}
	return out, nil
}

// eventToStruct encodes one hub event. It returns nil when the filter leaves
// nothing to send.
func eventToStruct(ev telemetry.Event, filter map[string]bool, statusOnly bool) (*structpb.Struct, error) {
	if ev.Status != nil {
		m := statusMap(*ev.Status)
		m["type"] = "status"
		return structpb.NewStruct(m)
	}
	if len(ev.States) > 0 {
		states := make([]interface{}, len(ev.States))
		for i, u := range ev.States {
			states[i] = statusMap(u)
		}
		return structpb.NewStruct(map[string]interface{}{"type": "states", "states": states})
	}
	if statusOnly || len(ev.Points) == 0 {
		return nil, nil
	}

	points := make([]interface{}, 0, len(ev.Points))
	for _, p := range ev.Points {
		if len(filter) > 0 && !filter[p.Key] {
			continue
		}
		points = append(points, map[string]interface{}{"key": p.Key, "t": p.Time, "v": p.Value})
	}
	if len(points) == 0 {
		return nil, nil
	}
	return structpb.NewStruct(map[string]interface{}{"type": "points", "points": points})
}

func statusMap(u telemetry.StatusUpdate) map[string]interface{} {
	return map[string]interface{}{
		"motor":      u.Motor,
		"code":       u.Code,
		"text":       u.Text,
		"color_hint": string(u.Severity),
		"is_error":   u.IsError,
		"time":       u.Time.UTC().Format(time.RFC3339Nano),
	}
}
