package server

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SendReply is the outcome of a remote Send.
type SendReply struct {
	Result   string
	Accepted bool
	Error    string
}

// Client calls the control service of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the control service at addr. Extra options are appended
// to the insecure transport credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// Send offers a payload to the remote task. A negative maxWait waits until
// ctx expires.
func (c *Client) Send(ctx context.Context, port uint8, data []byte, confirmed bool, maxWait time.Duration) (SendReply, error) {
	req, err := structpb.NewStruct(map[string]any{
		"port":        float64(port),
		"data":        base64.StdEncoding.EncodeToString(data),
		"confirmed":   confirmed,
		"max_wait_ms": float64(maxWait.Milliseconds()),
	})
	if err != nil {
		return SendReply{}, errors.Wrap(err, "build send request")
	}
	if maxWait < 0 {
		req.Fields["max_wait_ms"] = structpb.NewNumberValue(-1)
	}

	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Send", req, out); err != nil {
		return SendReply{}, err
	}
	f := out.GetFields()
	return SendReply{
		Result:   f["result"].GetStringValue(),
		Accepted: f["accepted"].GetBoolValue(),
		Error:    f["error"].GetStringValue(),
	}, nil
}

// Sleep puts the remote task to sleep.
func (c *Client) Sleep(ctx context.Context) error {
	return c.invoke(ctx, "Sleep", &emptypb.Empty{}, new(emptypb.Empty))
}

// Wake resumes the remote task.
func (c *Client) Wake(ctx context.Context) error {
	return c.invoke(ctx, "Wake", &emptypb.Empty{}, new(emptypb.Empty))
}

// Status fetches the remote task snapshot as returned by StatusFields.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// TimeToNextJob returns the remote milliseconds until the next job.
func (c *Client) TimeToNextJob(ctx context.Context) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.invoke(ctx, "TimeToNextJob", &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}
