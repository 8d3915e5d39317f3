package remote

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/gate"
	"schoolgate.org/internal/ledger"
)

type fakeGate struct {
	lastAuth string
	lastReq  gate.Request
}

func (f *fakeGate) Verify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok && len(md.Get("authorization")) > 0 {
		f.lastAuth = md.Get("authorization")[0]
	}
	req, err := DecodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	f.lastReq = req
	switch req.Identifier {
	case "busy":
		return nil, status.Error(codes.Aborted, "contention")
	case "locked-out":
		return nil, status.Error(codes.PermissionDenied, "nope")
	}
	return EncodeResult(gate.Result{
		Outcome:           gate.DeniedNeedsCode,
		Student:           &gate.Card{AccountID: "acc_1", Name: "Amina", Course: req.Course},
		GatepassExpiry:    "2026-12-31",
		VerifiedAt:        time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC),
		VerificationCount: 3,
		Message:           "ask for the code",
	})
}

func (f *fakeGate) Receipt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := DecodeReceiptRequest(in)
	if err != nil {
		return nil, err
	}
	if id != "acc_1" {
		return nil, status.Error(codes.NotFound, "no receipt")
	}
	return EncodeReceipt(gate.ReceiptView{
		Receipt: ledger.Receipt{AccountID: id, Day: "2026-10-14", Code: "042137"},
		Valid:   true,
	})
}

func startBuf(t *testing.T, srv GateServer) *grpc.ClientConn {
	t.Helper()
	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	RegisterGateServer(server, srv)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		server.GracefulStop()
		_ = listener.Close()
	})
	return conn
}

func TestClientVerifyRoundTrip(t *testing.T) {
	fake := &fakeGate{}
	client := NewClient(startBuf(t, fake), WithToken("tok"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := client.Verify(ctx, gate.Request{Identifier: "ADM-1", Course: "Nursing"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != gate.DeniedNeedsCode || res.VerificationCount != 3 || res.Student.Name != "Amina" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !errors.Is(res.Err(), gate.ErrCodeRequired) {
		t.Fatalf("outcome should map to ErrCodeRequired, got %v", res.Err())
	}
	if !res.VerifiedAt.Equal(time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)) || res.GatepassExpiry != "2026-12-31" {
		t.Fatalf("lost fields in transit: %+v", res)
	}
	if fake.lastAuth != "Bearer tok" || fake.lastReq.Course != "Nursing" {
		t.Fatalf("server saw auth %q req %+v", fake.lastAuth, fake.lastReq)
	}
}

func TestClientMapsStatusCodes(t *testing.T) {
	client := NewClient(startBuf(t, &fakeGate{}))
	ctx := context.Background()

	if _, err := client.Verify(ctx, gate.Request{Identifier: "busy"}); !errors.Is(err, gate.ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
	if _, err := client.Verify(ctx, gate.Request{Identifier: "locked-out"}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := client.Receipt(ctx, "acc_2"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	view, err := client.Receipt(ctx, "acc_1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Receipt.Code != "042137" || !view.Valid {
		t.Fatalf("unexpected receipt %+v", view)
	}
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{ledger.ErrNotFound, codes.NotFound},
		{gate.ErrContention, codes.Aborted},
		{auth.ErrUnauthorized, codes.Unauthenticated},
		{auth.ErrForbidden, codes.PermissionDenied},
		{ledger.ErrInvalidInput, codes.InvalidArgument},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(StatusOf(tc.err)); got != tc.code {
			t.Fatalf("%v: got %s want %s", tc.err, got, tc.code)
		}
	}
	if StatusOf(nil) != nil {
		t.Fatal("nil stays nil")
	}
	if got := status.Convert(StatusOf(errors.New("disk on fire"))).Message(); got != "internal error" {
		t.Fatalf("internal errors must not leak, got %q", got)
	}
}

func TestDecodeResultRejectsUnknownOutcome(t *testing.T) {
	s, _ := structpb.NewStruct(map[string]any{"outcome": "maybe"})
	if _, err := DecodeResult(s); err == nil {
		t.Fatal("expected error")
	}
}
