package visualiser

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/trajectory.report/internal/tracking"
)

const (
	serviceName          = "trajectory.v1.FrameService"
	streamFramesMethod   = "/" + serviceName + "/StreamFrames"
	requestAnomaliesOnly = "anomalies_only"
	requestTrackIDs      = "track_ids"
)

// FrameServiceServer is the server API for the frame service. Requests and
// frames are carried as structpb.Struct so no generated code is needed.
type FrameServiceServer interface {
	StreamFrames(*structpb.Struct, FrameService_StreamFramesServer) error
}

// FrameService_StreamFramesServer is the server side of a StreamFrames call.
type FrameService_StreamFramesServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type frameServiceStreamFramesServer struct {
	grpc.ServerStream
}

func (x *frameServiceStreamFramesServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func streamFramesHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FrameServiceServer).StreamFrames(m, &frameServiceStreamFramesServer{stream})
}

// FrameServiceDesc describes trajectory.v1.FrameService.
var FrameServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FrameServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFrames",
			Handler:       streamFramesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "trajectory/v1/frames.proto",
}

// RegisterFrameService registers srv on s.
func RegisterFrameService(s grpc.ServiceRegistrar, srv FrameServiceServer) {
	s.RegisterService(&FrameServiceDesc, srv)
}

// StreamRequest filters a subscription.
type StreamRequest struct {
	AnomaliesOnly bool    // Only frames with at least one anomalous detection
	TrackIDs      []int64 // Only frames touching these tracks; empty means all
}

func (r StreamRequest) toStruct() (*structpb.Struct, error) {
	ids := make([]interface{}, len(r.TrackIDs))
	for i, id := range r.TrackIDs {
		ids[i] = float64(id)
	}
	return structpb.NewStruct(map[string]interface{}{
		requestAnomaliesOnly: r.AnomaliesOnly,
		requestTrackIDs:      ids,
	})
}

func parseStreamRequest(s *structpb.Struct) StreamRequest {
	var r StreamRequest
	if s == nil {
		return r
	}
	fields := s.GetFields()
	if v, ok := fields[requestAnomaliesOnly]; ok {
		r.AnomaliesOnly = v.GetBoolValue()
	}
	if v, ok := fields[requestTrackIDs]; ok {
		for _, id := range v.GetListValue().GetValues() {
			r.TrackIDs = append(r.TrackIDs, int64(id.GetNumberValue()))
		}
	}
	return r
}

func (r StreamRequest) matches(res *tracking.FrameResult) bool {
	if r.AnomaliesOnly && len(res.Anomalies()) == 0 {
		return false
	}
	if len(r.TrackIDs) == 0 {
		return true
	}
	for _, id := range r.TrackIDs {
		if _, ok := res.Corrected[id]; ok {
			return true
		}
		if _, ok := res.Predictions[id]; ok {
			return true
		}
		for _, e := range res.Evicted {
			if e == id {
				return true
			}
		}
	}
	return false
}

// FrameToStruct converts a frame result to its wire form. Map keys become
// decimal strings.
func FrameToStruct(res *tracking.FrameResult) (*structpb.Struct, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal frame %d: %w", res.Frame, err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("convert frame %d: %w", res.Frame, err)
	}
	return s, nil
}

// StructToFrame is the inverse of FrameToStruct.
func StructToFrame(s *structpb.Struct) (*tracking.FrameResult, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal struct: %w", err)
	}
	var res tracking.FrameResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &res, nil
}

type frameServer struct {
	publisher *Publisher
}

// StreamFrames registers the caller as a publisher client and forwards
// every matching frame until the caller goes away or the publisher stops.
func (s *frameServer) StreamFrames(req *structpb.Struct, stream FrameService_StreamFramesServer) error {
	filter := parseStreamRequest(req)
	client, err := s.publisher.addClient()
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer s.publisher.removeClient(client.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.stopCh:
			return nil
		case res := <-client.frameCh:
			if !filter.matches(res) {
				continue
			}
			msg, err := FrameToStruct(res)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// FrameStream is the client side of a StreamFrames call.
type FrameStream struct {
	stream grpc.ClientStream
}

// Subscribe opens a StreamFrames call on conn.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, req StreamRequest) (*FrameStream, error) {
	msg, err := req.toStruct()
	if err != nil {
		return nil, err
	}
	stream, err := conn.NewStream(ctx, &FrameServiceDesc.Streams[0], streamFramesMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(msg); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{stream: stream}, nil
}

// Recv blocks for the next frame. It returns io.EOF when the server ends
// the stream.
func (f *FrameStream) Recv() (*tracking.FrameResult, error) {
	m := new(structpb.Struct)
	if err := f.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return StructToFrame(m)
}
