// Command smoke-gate submits one verification to a running gate service over
// gRPC and prints the verdict. Exit status is 0 for granted, 2 for a denial.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/config"
	"schoolgate.org/internal/gate"
	"schoolgate.org/internal/gate/remote"
	"schoolgate.org/internal/ledger"
)

func main() {
	var (
		addr       = flag.String("addr", envOr("SCHOOLGATE_GATE_GRPC_ADDR", "localhost:9090"), "gate gRPC address")
		token      = flag.String("token", os.Getenv("SCHOOLGATE_TOKEN"), "bearer token with gate:verify; minted from the config secret when empty")
		configPath = flag.String("config", "", "config file used to mint a token")
		identifier = flag.String("admission", "", "admission number")
		course     = flag.String("course", "", "course")
		code       = flag.String("code", "", "receipt verification code")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	if *identifier == "" || *course == "" {
		logger.Fatal("usage: smoke-gate -admission ADM -course COURSE [-code 123456]")
	}

	if *token == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal("no token given and config unavailable", zap.Error(err))
		}
		tokens, err := auth.NewTokens(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
		if err != nil {
			logger.Fatal("token signer", zap.Error(err))
		}
		*token, _, err = tokens.Generate("smoke-gate", []ledger.Role{ledger.RoleGate}, 5*time.Minute)
		if err != nil {
			logger.Fatal("mint token", zap.Error(err))
		}
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Fatal("dial gate", zap.String("addr", *addr), zap.Error(err))
	}
	defer conn.Close()

	client := remote.NewClient(conn, remote.WithToken(*token))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Verify(ctx, gate.Request{Identifier: *identifier, Course: *course, Code: *code})
	if err != nil {
		logger.Fatal("verify", zap.Error(err))
	}

	fmt.Printf("outcome: %s\n", res.Outcome)
	fmt.Printf("message: %s\n", res.Message)
	if res.Student != nil {
		fmt.Printf("student: %s (%s, %s)\n", res.Student.Name, res.Student.AdmissionNumber, res.Student.Course)
	}
	fmt.Printf("count:   %d\n", res.VerificationCount)
	if res.ReceiptIssued {
		fmt.Println("receipt: issued")
	}
	if !res.Granted() {
		os.Exit(2)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
