package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"FlowLedger/sdk/go/flowledger"
)

// 演示通过 SDK 开启一条恒定流并查询双方余额。
func main() {
	endpoint := flag.String("endpoint", "http://127.0.0.1:8080", "FlowLedger API 地址")
	sender := flag.String("sender", "0x00000000000000000000000000000000000000a1", "发送方地址")
	receiver := flag.String("receiver", "0x00000000000000000000000000000000000000b0", "接收方地址")
	rate := flag.Int64("rate", 1, "每秒流速")
	flag.Parse()

	client, err := flowledger.NewClient(*endpoint, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAPIKey(os.Getenv("FLOWLEDGER_API_KEY"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	from, to := common.HexToAddress(*sender), common.HexToAddress(*receiver)
	err = client.CreateFlow(ctx, flowledger.FlowChange{Caller: from, Sender: from, Receiver: to, FlowRate: big.NewInt(*rate)})
	if err != nil && !flowledger.IsCode(err, "AGREEMENT_ALREADY_EXISTS") {
		log.Fatalf("create flow: %v", err)
	}
	for _, account := range []common.Address{from, to} {
		balance, err := client.Balance(ctx, account, nil)
		if err != nil {
			log.Fatalf("balance: %v", err)
		}
		fmt.Printf("%s available=%s deposit=%s insolvent=%v\n", account.Hex(), balance.Available, balance.Deposit, balance.Insolvent)
	}
}
