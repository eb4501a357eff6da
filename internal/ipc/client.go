package ipc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	defaultDialTimeout = 5 * time.Second
	clientStreamBuffer = 16
)

// Client talks to the daemon over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is established lazily
// on the first call.
func Dial(socket string, opts ...grpc.DialOption) (*Client, error) {
	dialer := net.Dialer{Timeout: defaultDialTimeout}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socket)
		}),
	}, opts...)
	conn, err := grpc.NewClient("passthrough:///"+socket, opts...)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socket, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close shuts down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a bridge command. A failed command comes back as the error
// the daemon reported; alerts keep their kind.
func (c *Client) Call(ctx context.Context, method string, callArgs map[string]any) (any, error) {
	if callArgs == nil {
		callArgs = map[string]any{}
	}
	req, err := toStruct(map[string]any{"method": method, "args": callArgs})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodCall, req, resp); err != nil {
		return nil, err
	}
	if !resp.GetFields()["ok"].GetBoolValue() {
		return nil, replyError(resp)
	}
	return resp.GetFields()["result"].AsInterface(), nil
}

// StreamStatus yields wire status strings, starting with the current one.
func (c *Client) StreamStatus(ctx context.Context) (<-chan string, error) {
	return openStream(ctx, c, 0, methodStreamStatus, &emptypb.Empty{},
		func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
		(*wrapperspb.StringValue).GetValue)
}

// StreamStats yields stats samples as decoded JSON objects.
func (c *Client) StreamStats(ctx context.Context) (<-chan map[string]any, error) {
	return openStream(ctx, c, 1, methodStreamStats, &emptypb.Empty{},
		func() *structpb.Struct { return new(structpb.Struct) },
		(*structpb.Struct).AsMap)
}

// StreamLogs yields formatted log lines. level and tag filter; tail is the
// number of recent lines sent first.
func (c *Client) StreamLogs(ctx context.Context, level, tag string, tail int) (<-chan string, error) {
	req, err := structpb.NewStruct(map[string]any{"level": level, "tag": tag, "tail": tail})
	if err != nil {
		return nil, err
	}
	return openStream(ctx, c, 2, methodStreamLogs, req,
		func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
		(*wrapperspb.StringValue).GetValue)
}

// StreamNotifications yields engine notifications.
func (c *Client) StreamNotifications(ctx context.Context) (<-chan map[string]any, error) {
	return openStream(ctx, c, 3, methodStreamNotifications, &emptypb.Empty{},
		func() *structpb.Struct { return new(structpb.Struct) },
		(*structpb.Struct).AsMap)
}

// openStream starts a server stream and decodes messages onto a channel
// that closes when the stream ends or ctx is cancelled.
func openStream[M proto.Message, T any](ctx context.Context, c *Client, idx int, method string, req proto.Message, newMsg func() M, decode func(M) T) (<-chan T, error) {
	stream, err := c.conn.NewStream(ctx, &bridgeServiceDesc.Streams[idx], method)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	out := make(chan T, clientStreamBuffer)
	go func() {
		defer close(out)
		for {
			msg := newMsg()
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			select {
			case out <- decode(msg):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
