package remote

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/gate"
	"schoolgate.org/internal/ledger"
)

// Client calls a remote gate engine. Denials come back as Result values,
// exactly as from a local Engine.
type Client struct {
	conn  grpc.ClientConnInterface
	token string
}

type ClientOption func(*Client)

// WithToken sends a bearer token with every call.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func NewClient(conn grpc.ClientConnInterface, opts ...ClientOption) *Client {
	c := &Client{conn: conn}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

func (c *Client) Verify(ctx context.Context, req gate.Request) (gate.Result, error) {
	in, err := EncodeRequest(req)
	if err != nil {
		return gate.Result{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), VerifyMethod, in, out); err != nil {
		return gate.Result{}, mapError(err)
	}
	return DecodeResult(out)
}

func (c *Client) Receipt(ctx context.Context, accountID string) (gate.ReceiptView, error) {
	in, err := EncodeReceiptRequest(accountID)
	if err != nil {
		return gate.ReceiptView{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), ReceiptMethod, in, out); err != nil {
		return gate.ReceiptView{}, mapError(err)
	}
	return DecodeReceipt(out)
}

// mapError turns status codes back into the sentinels callers match with errors.Is.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = ledger.ErrNotFound
	case codes.InvalidArgument:
		sentinel = ledger.ErrInvalidInput
	case codes.Unauthenticated:
		sentinel = auth.ErrUnauthorized
	case codes.PermissionDenied:
		sentinel = auth.ErrForbidden
	case codes.Aborted:
		sentinel = gate.ErrContention
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}

// StatusOf is the inverse of mapError, used by the server side.
func StatusOf(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case isAny(err, ledger.ErrNotFound, gate.ErrNotFound):
		code = codes.NotFound
	case isAny(err, ledger.ErrInvalidInput):
		code = codes.InvalidArgument
	case isAny(err, auth.ErrUnauthorized, auth.ErrInvalidToken):
		code = codes.Unauthenticated
	case isAny(err, auth.ErrForbidden):
		code = codes.PermissionDenied
	case isAny(err, gate.ErrContention, ledger.ErrConflict):
		code = codes.Aborted
	}
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
