package main

import (
	"log/slog"
	"os"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/Mindburn-Labs/carbonmrv/pkg/chaincode/carbontoken"
)

func main() {
	cc, err := contractapi.NewChaincode(&carbontoken.TokenContract{})
	if err != nil {
		slog.Error("error creating carbon token chaincode", "error", err)
		os.Exit(1)
	}
	cc.Info.Title = "carbon-credit-token"
	cc.Info.Version = "1.0.0"

	if err := cc.Start(); err != nil {
		slog.Error("error starting carbon token chaincode", "error", err)
		os.Exit(1)
	}
}
