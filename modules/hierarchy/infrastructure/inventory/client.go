// Package inventory implements the RPC client to the embedding inventory
// service. The wire format is plain protobuf handled by the wire package, so
// the client talks raw bytes through a passthrough codec instead of
// generated stubs.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/modules/hierarchy/infrastructure/wire"
	"github.com/invory/hierarchies/modules/hierarchy/services"
	"github.com/invory/hierarchies/pkg/retry"
)

const (
	methodMOParams      = "/inventory.Inventory/GetMOParams"
	methodStreamMOs     = "/inventory.Inventory/StreamMOs"
	methodTMO           = "/inventory.Inventory/GetTMO"
	methodTPRM          = "/inventory.Inventory/GetTPRM"
	methodResolveMOName = "/inventory.Inventory/ResolveMOName"
	methodFindMOs       = "/inventory.Inventory/FindMOs"
	methodMOSeverity    = "/inventory.Inventory/GetMOSeverity"
)

// rawCodec passes []byte payloads through untouched; serialization is done
// by the wire package.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: expected []byte, got %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	out, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: expected *[]byte, got %T", v)
	}
	*out = data
	return nil
}

func (rawCodec) Name() string { return "raw" }

type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	retry   retry.Config
}

var _ services.InventoryClient = (*Client)(nil)

func New(target string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect inventory at %s: %w", target, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{conn: conn, timeout: timeout, retry: retry.DefaultConfig()}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke issues one unary call, retrying transient transport failures with
// backoff. The call timeout applies per attempt.
func (c *Client) invoke(ctx context.Context, method string, req []byte) ([]byte, error) {
	var resp []byte
	err := retry.Do(ctx, c.retry, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		resp = nil
		err := c.conn.Invoke(cctx, method, req, &resp, grpc.ForceCodec(rawCodec{}))
		if err != nil && !transient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		var nre *retry.NonRetryableError
		if errors.As(err, &nre) {
			err = nre.Err
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return resp, nil
}

// transient reports whether the RPC failure is worth retrying.
func transient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

func (c *Client) MOParams(ctx context.Context, moID int64, paramIDs []int64) (map[int64]*string, error) {
	resp, err := c.invoke(ctx, methodMOParams, wire.EncodeMOParamsRequest(moID, paramIDs))
	if err != nil {
		return nil, err
	}
	return wire.DecodeParamsResponse(resp)
}

// StreamMOs consumes the paged server stream, invoking fn once per page. The
// call timeout applies per received page, not to the whole stream.
func (c *Client) StreamMOs(ctx context.Context, tmoID int64, paramIDs []int64, fn func([]domain.MO) error) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	desc := &grpc.StreamDesc{StreamName: "StreamMOs", ServerStreams: true}
	stream, err := c.conn.NewStream(sctx, desc, methodStreamMOs, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return fmt.Errorf("%s: %w", methodStreamMOs, err)
	}
	if err := stream.SendMsg(wire.EncodeStreamMOsRequest(tmoID, paramIDs)); err != nil {
		return fmt.Errorf("%s: send: %w", methodStreamMOs, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("%s: close send: %w", methodStreamMOs, err)
	}

	for {
		var raw []byte
		if err := stream.RecvMsg(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%s: recv: %w", methodStreamMOs, err)
		}
		page, err := wire.DecodeMOPage(raw)
		if err != nil {
			return fmt.Errorf("%s: decode page: %w", methodStreamMOs, err)
		}
		if len(page) == 0 {
			continue
		}
		if err := fn(page); err != nil {
			return err
		}
	}
}

func (c *Client) TMO(ctx context.Context, id int64) (domain.TMO, error) {
	resp, err := c.invoke(ctx, methodTMO, wire.EncodeIDRequest(id))
	if err != nil {
		return domain.TMO{}, err
	}
	return wire.ParseTMO(resp)
}

func (c *Client) TPRM(ctx context.Context, id int64) (domain.TPRM, error) {
	resp, err := c.invoke(ctx, methodTPRM, wire.EncodeIDRequest(id))
	if err != nil {
		return domain.TPRM{}, err
	}
	return wire.ParseTPRM(resp)
}

func (c *Client) ResolveMOName(ctx context.Context, moID int64) (string, error) {
	resp, err := c.invoke(ctx, methodResolveMOName, wire.EncodeIDRequest(moID))
	if err != nil {
		return "", err
	}
	return wire.DecodeNameResponse(resp)
}

func (c *Client) FindMOs(ctx context.Context, filter string) ([]domain.MO, error) {
	resp, err := c.invoke(ctx, methodFindMOs, wire.EncodeFilterRequest(filter))
	if err != nil {
		return nil, err
	}
	return wire.DecodeMOPage(resp)
}

func (c *Client) MOSeverity(ctx context.Context, moID int64) (map[string]int64, error) {
	resp, err := c.invoke(ctx, methodMOSeverity, wire.EncodeIDRequest(moID))
	if err != nil {
		return nil, err
	}
	return wire.DecodeSeverityResponse(resp)
}
