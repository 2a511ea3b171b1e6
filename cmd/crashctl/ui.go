package main

import (
	"encoding/json"
	"fmt"

	"crashd/internal/event"

	"github.com/fatih/color"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

type walletLine struct {
	Currency      string `json:"currency"`
	CryptoAmount  string `json:"crypto_amount"`
	USDEquivalent string `json:"usd_equivalent"`
}

func renderWallet(username string, out map[string]any) {
	accent.Printf("Wallet")
	if username != "" {
		accent.Printf(" for %s", username)
	}
	fmt.Println()

	raw, err := json.Marshal(out["wallet"])
	if err != nil {
		fmt.Println(out)
		return
	}
	var lines []walletLine
	if err := json.Unmarshal(raw, &lines); err != nil || len(lines) == 0 {
		fmt.Println(out)
		return
	}
	for _, l := range lines {
		fmt.Printf("  %-5s %-16s ($%s)\n", l.Currency, l.CryptoAmount, l.USDEquivalent)
	}
}

func renderTransaction(label string, out map[string]any) {
	tx, ok := out["transaction"].(map[string]any)
	if !ok {
		fmt.Println(out)
		return
	}
	printSuccess(fmt.Sprintf("%s: %v %v (round %v, $%v)",
		label, tx["crypto_amount"], tx["currency"], tx["round_number"], tx["usd_amount"]))
	fmt.Printf("  tx hash: %v\n", tx["hash"])
}

func renderRound(out map[string]any) {
	accent.Printf("Round %v", out["round_number"])
	fmt.Printf("  phase=%v\n", out["phase"])
	fmt.Printf("  commitment: %v\n", out["commitment"])
	if m, ok := out["multiplier"].(float64); ok {
		warn.Printf("  multiplier: %.1fx\n", m)
	}
	if cp, ok := out["crash_point"].(float64); ok {
		danger.Printf("  crashed at: %.2fx\n", cp)
		fmt.Printf("  seed: %v\n", out["seed"])
	}
}

func renderEvent(eventType string, data json.RawMessage) {
	switch eventType {
	case event.TypeRoundPending:
		var p event.RoundPending
		if json.Unmarshal(data, &p) == nil {
			accent.Printf("round %d pending", p.RoundNumber)
			fmt.Printf("  bets open for %.0fs  commitment %s\n", p.BetWindowSeconds, p.Commitment)
		}
	case event.TypeRoundLive:
		var p event.RoundLive
		if json.Unmarshal(data, &p) == nil {
			success.Printf("round %d live\n", p.RoundNumber)
		}
	case event.TypeMultiplierUpdate:
		var p event.MultiplierUpdate
		if json.Unmarshal(data, &p) == nil {
			fmt.Printf("\r%.1fx ", p.Multiplier)
		}
	case event.TypeRoundCrash:
		var p event.RoundCrash
		if json.Unmarshal(data, &p) == nil {
			fmt.Println()
			danger.Printf("round %d crashed at %.2fx\n", p.RoundNumber, p.CrashPoint)
			fmt.Printf("  seed revealed: %s\n", p.Seed)
		}
	case event.TypePlayerCashout:
		var p event.PlayerCashout
		if json.Unmarshal(data, &p) == nil {
			fmt.Println()
			warn.Printf("player %s cashed out %s %s ($%s)\n", p.UserID, p.PayoutCrypto, p.Currency, p.USDAmount)
		}
	case event.TypeError:
		var p event.Error
		if json.Unmarshal(data, &p) == nil {
			printError("server error: " + p.Message)
		}
	default:
		fmt.Printf("%s: %s\n", eventType, string(data))
	}
}
