// Package remote carries the gate engine over gRPC. Messages are
// google.protobuf.Struct values holding the JSON form of the gate types.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"schoolgate.org/internal/gate"
)

const (
	ServiceName   = "schoolgate.v1.GateService"
	VerifyMethod  = "/" + ServiceName + "/Verify"
	ReceiptMethod = "/" + ServiceName + "/Receipt"
)

// GateServer is implemented by the API process.
type GateServer interface {
	Verify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Receipt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// RegisterGateServer attaches srv to s.
func RegisterGateServer(s grpc.ServiceRegistrar, srv GateServer) {
	s.RegisterService(&GateServiceDesc, srv)
}

var GateServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: verifyHandler},
		{MethodName: "Receipt", Handler: receiptHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "schoolgate/v1/gate.proto",
}

func verifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GateServer).Verify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VerifyMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(GateServer).Verify(ctx, req.(*structpb.Struct))
	})
}

func receiptHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GateServer).Receipt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReceiptMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(GateServer).Receipt(ctx, req.(*structpb.Struct))
	})
}

type verifyMessage struct {
	Identifier string `json:"identifier"`
	Course     string `json:"course"`
	Code       string `json:"code,omitempty"`
}

type receiptMessage struct {
	AccountID string `json:"account_id"`
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, dst any) error {
	if s == nil {
		return fmt.Errorf("remote: empty message")
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func EncodeRequest(req gate.Request) (*structpb.Struct, error) {
	return toStruct(verifyMessage{Identifier: req.Identifier, Course: req.Course, Code: req.Code})
}

func DecodeRequest(s *structpb.Struct) (gate.Request, error) {
	var m verifyMessage
	if err := fromStruct(s, &m); err != nil {
		return gate.Request{}, err
	}
	return gate.Request{Identifier: m.Identifier, Course: m.Course, Code: m.Code}, nil
}

func EncodeResult(res gate.Result) (*structpb.Struct, error) { return toStruct(res) }

func DecodeResult(s *structpb.Struct) (gate.Result, error) {
	var res gate.Result
	if err := fromStruct(s, &res); err != nil {
		return gate.Result{}, err
	}
	if _, ok := gate.ParseOutcome(string(res.Outcome)); !ok {
		return gate.Result{}, fmt.Errorf("remote: unknown outcome %q", res.Outcome)
	}
	return res, nil
}

func EncodeReceiptRequest(accountID string) (*structpb.Struct, error) {
	return toStruct(receiptMessage{AccountID: accountID})
}

func DecodeReceiptRequest(s *structpb.Struct) (string, error) {
	var m receiptMessage
	if err := fromStruct(s, &m); err != nil {
		return "", err
	}
	return m.AccountID, nil
}

func EncodeReceipt(v gate.ReceiptView) (*structpb.Struct, error) { return toStruct(v) }

func DecodeReceipt(s *structpb.Struct) (gate.ReceiptView, error) {
	var v gate.ReceiptView
	err := fromStruct(s, &v)
	return v, err
}
