package statusrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region client-struct
// Client reads breaker status from a running server.
type Client struct {
	conn   *grpc.ClientConn
	cc     grpc.ClientConnInterface
	health healthpb.HealthClient
}

// #endregion client-struct

// #region constructor
// NewClient connects to a status server at addr.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	c := NewClientWithConn(conn)
	c.conn = conn
	return c, nil
}

// NewClientWithConn wraps an existing connection, which the caller closes.
func NewClientWithConn(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, health: healthpb.NewHealthClient(cc)}
}

// Close shuts down a connection opened by NewClient.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion constructor

// #region calls
// Breakers fetches the current report.
func (c *Client) Breakers(ctx context.Context) (Report, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, breakersMethod, &emptypb.Empty{}, out); err != nil {
		return Report{}, fmt.Errorf("breakers rpc: %w", err)
	}
	return fromStruct(out)
}

// Serving reports whether variable's breaker is closed.
func (c *Client) Serving(ctx context.Context, variable string) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthPrefix + variable})
	if err != nil {
		return false, fmt.Errorf("health check %s: %w", variable, err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// #endregion calls
