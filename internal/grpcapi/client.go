package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a running campuslink server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target, e.g. "unix:///run/campuslink.sock" or
// "127.0.0.1:50061". A non-empty caFile enables TLS.
func Dial(target, caFile string, opts ...grpc.DialOption) (*Client, error) {
	creds := insecure.NewCredentials()
	if caFile != "" {
		tc, err := credentials.NewClientTLSFromFile(caFile, "")
		if err != nil {
			return nil, fmt.Errorf("loading CA %s: %w", caFile, err)
		}
		creds = tc
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Call invokes method with params and decodes the result into out, which may
// be nil.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req := RPCRequest{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		req.Params = raw
	}

	var resp RPCResponse
	if err := c.conn.Invoke(ctx, callMethod, &req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
