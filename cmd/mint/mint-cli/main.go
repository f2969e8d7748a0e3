package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"

	"github.com/lnmint/lnmint/cashu/nuts/nut02"
	"github.com/lnmint/lnmint/mint/manager"
	"github.com/urfave/cli/v2"
)

const (
	KEYSET_FLAG = "keyset"
	SOCKET_FLAG = "socket"
)

// same default as the mint
var defaultSocketPath = filepath.Join(os.TempDir(), "lnmint", "lnmint-admin.sock")

func main() {
	app := &cli.App{
		Name:  "mint-cli",
		Usage: "cli to interact with the admin socket of the mint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    SOCKET_FLAG,
				Usage:   "Path to the admin socket of the mint",
				Value:   defaultSocketPath,
				EnvVars: []string{"MINT_ADMIN_SOCKET"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "issued",
				Usage: "Get issued ecash",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  KEYSET_FLAG,
						Usage: "Issued ecash for the specified keyset",
					},
				},
				Action: issuedEcash,
			},
			{
				Name:  "redeemed",
				Usage: "Get redeemed ecash",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  KEYSET_FLAG,
						Usage: "Redeemed ecash for the specified keyset",
					},
				},
				Action: redeemedEcash,
			},
			{
				Name:   "totalbalance",
				Usage:  "Get total ecash in circulation",
				Action: totalBalance,
			},
			{
				Name:   "keysets",
				Usage:  "List keysets",
				Action: listKeysets,
			},
			{
				Name:   "rotatekeyset",
				Usage:  "Rotate keyset",
				Action: rotateKeyset,
			},
			{
				Name:   "pendingmelts",
				Usage:  "List melt quotes with a payment in flight",
				Action: pendingMelts,
			},
			{
				Name:   "reconcile",
				Usage:  "Check pending melt quotes with the lightning backend and settle them",
				Action: reconcile,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func sendRequest(ctx *cli.Context, method string, params []string) (*manager.Response, error) {
	conn, err := net.Dial("unix", ctx.String(SOCKET_FLAG))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := manager.Request{
		JsonRPC: manager.JSONRPC_2,
		Method:  method,
		Params:  params,
		Id:      rand.Int(),
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, err
	}

	var resp manager.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}

	if resp.Error.Code < 0 || len(resp.Error.Message) > 0 {
		return nil, errors.New(resp.Error.Message)
	}

	return &resp, nil
}

func issuedEcash(ctx *cli.Context) error {
	keyset := ctx.String(KEYSET_FLAG)
	var params []string = nil
	if len(keyset) > 0 {
		params = []string{keyset}
	}

	resp, err := sendRequest(ctx, manager.ISSUED_ECASH_REQUEST, params)
	if err != nil {
		return err
	}

	if len(keyset) > 0 {
		var issuedByKeysetResponse manager.KeysetIssued
		if err := json.Unmarshal(resp.Result, &issuedByKeysetResponse); err != nil {
			return err
		}

		fmt.Printf("Issued: %v\n", issuedByKeysetResponse.AmountIssued)
	} else {
		var issuedResponse manager.IssuedEcashResponse
		if err := json.Unmarshal(resp.Result, &issuedResponse); err != nil {
			return err
		}

		fmt.Println("Issued by keyset:")
		for _, keyset := range issuedResponse.Keysets {
			fmt.Printf("\t%v: %v\n", keyset.Id, keyset.AmountIssued)
		}
		fmt.Printf("\nTotal issued: %v\n", issuedResponse.TotalIssued)
	}

	return nil
}

func redeemedEcash(ctx *cli.Context) error {
	keyset := ctx.String(KEYSET_FLAG)
	var params []string = nil
	if len(keyset) > 0 {
		params = []string{keyset}
	}

	resp, err := sendRequest(ctx, manager.REDEEMED_ECASH_REQUEST, params)
	if err != nil {
		return err
	}

	if len(keyset) > 0 {
		var redeemedByKeyset manager.KeysetRedeemed
		if err := json.Unmarshal(resp.Result, &redeemedByKeyset); err != nil {
			return err
		}

		fmt.Printf("Redeemed: %v\n", redeemedByKeyset.AmountRedeemed)
	} else {
		var redeemedResponse manager.RedeemedEcashResponse
		if err := json.Unmarshal(resp.Result, &redeemedResponse); err != nil {
			return err
		}

		fmt.Println("Redeemed by keyset:")
		for _, keyset := range redeemedResponse.Keysets {
			fmt.Printf("\t%v: %v\n", keyset.Id, keyset.AmountRedeemed)
		}
		fmt.Printf("\nTotal redeemed: %v\n", redeemedResponse.TotalRedeemed)
	}

	return nil
}

func totalBalance(ctx *cli.Context) error {
	resp, err := sendRequest(ctx, manager.TOTAL_BALANCE, nil)
	if err != nil {
		return err
	}

	var totalBalanceResponse manager.TotalBalanceResponse
	if err := json.Unmarshal(resp.Result, &totalBalanceResponse); err != nil {
		return err
	}

	fmt.Println("Issued by keyset:")
	for _, keyset := range totalBalanceResponse.TotalIssued.Keysets {
		fmt.Printf("\t%v: %v\n", keyset.Id, keyset.AmountIssued)
	}
	fmt.Printf("Total issued: %v\n", totalBalanceResponse.TotalIssued.TotalIssued)

	fmt.Println("\nRedeemed by keyset:")
	for _, keyset := range totalBalanceResponse.TotalRedeemed.Keysets {
		fmt.Printf("\t%v: %v\n", keyset.Id, keyset.AmountRedeemed)
	}
	fmt.Printf("Total redeemed: %v\n", totalBalanceResponse.TotalRedeemed.TotalRedeemed)

	fmt.Printf("\nTotal in circulation: %v\n", totalBalanceResponse.TotalInCirculation)

	return nil
}

func listKeysets(ctx *cli.Context) error {
	resp, err := sendRequest(ctx, manager.LIST_KEYSETS, nil)
	if err != nil {
		return err
	}

	var keysets nut02.GetKeysetsResponse
	if err := json.Unmarshal(resp.Result, &keysets); err != nil {
		return err
	}

	fmt.Println("Keysets: ")

	for _, keyset := range keysets.Keysets {
		fmt.Printf("\n%v\n", keyset.Id)
		fmt.Printf("\tunit: %v\n", keyset.Unit)
		fmt.Printf("\tactive: %v\n", keyset.Active)
	}

	return nil
}

func rotateKeyset(ctx *cli.Context) error {
	resp, err := sendRequest(ctx, manager.ROTATE_KEYSET, nil)
	if err != nil {
		return err
	}

	var newKeyset nut02.Keyset
	if err := json.Unmarshal(resp.Result, &newKeyset); err != nil {
		return err
	}

	fmt.Println("New keyset: ")
	fmt.Printf("\n%v\n", newKeyset.Id)
	fmt.Printf("\tunit: %v\n", newKeyset.Unit)
	fmt.Printf("\tactive: %v\n", newKeyset.Active)

	return nil
}

func pendingMelts(ctx *cli.Context) error {
	resp, err := sendRequest(ctx, manager.PENDING_MELTS, nil)
	if err != nil {
		return err
	}

	var pending manager.PendingMeltsResponse
	if err := json.Unmarshal(resp.Result, &pending); err != nil {
		return err
	}

	if len(pending.Quotes) == 0 {
		fmt.Println("No pending melt quotes")
		return nil
	}

	fmt.Println("Pending melt quotes: ")
	for _, quote := range pending.Quotes {
		fmt.Printf("\n%v\n", quote.Quote)
		fmt.Printf("\tamount: %v\n", quote.Amount)
		fmt.Printf("\tfee reserve: %v\n", quote.FeeReserve)
		fmt.Printf("\tpayment hash: %v\n", quote.PaymentHash)
	}

	return nil
}

func reconcile(ctx *cli.Context) error {
	resp, err := sendRequest(ctx, manager.RECONCILE, nil)
	if err != nil {
		return err
	}

	var result manager.ReconcileResponse
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return err
	}

	fmt.Printf("Settled: %v\n", result.Settled)
	fmt.Printf("Still pending: %v\n", result.Remaining)
	return nil
}
