package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	cl "crashd/internal/cli"
	"crashd/internal/config"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "crashctl",
		Short:        "Crash game CLI client",
		SilenceUsage: true,
	}

	root.AddCommand(
		newUseCmd(),
		newLogoutCmd(),
		newWalletCmd(&apiBase),
		newBetCmd(&apiBase),
		newCashoutCmd(&apiBase),
		newRoundCmd(&apiBase),
		newVerifyCmd(&apiBase),
		newWatchCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

// demoUserID mirrors the server's derivation for seeded demo accounts, so
// `crashctl use alice` works without a lookup endpoint.
func demoUserID(username string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("crashd:"+username)).String()
}

func newUseCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "use <username>",
		Short: "Select the player identity for subsequent commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := strings.TrimSpace(args[0])
			id := strings.TrimSpace(userID)
			if id == "" {
				id = demoUserID(username)
			}
			if err := cl.SaveSession(cl.Session{UserID: id, Username: username}); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Playing as %s (%s)", username, id))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "id", "", "explicit user id (defaults to the demo account derivation)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the selected player",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Session cleared.")
			return nil
		},
	}
}

func newWalletCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "wallet",
		Short: "Show balances with USD equivalents",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Wallet(ctx, session.UserID)
			if err != nil {
				return err
			}
			renderWallet(session.Username, out)
			return nil
		},
	}
}

func newBetCmd(apiBase *string) *cobra.Command {
	var roundNumber int64
	cmd := &cobra.Command{
		Use:   "bet <usd_amount> <currency>",
		Short: "Place a bet in the open betting window",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := cl.LoadSession()
			if err != nil {
				return err
			}
			if _, err := strconv.ParseFloat(args[0], 64); err != nil {
				return fmt.Errorf("invalid usd amount %q", args[0])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).PlaceBet(ctx, session.UserID, roundNumber, args[0], strings.ToUpper(args[1]))
			if err != nil {
				return err
			}
			renderTransaction("Bet placed", out)
			return nil
		},
	}
	cmd.Flags().Int64Var(&roundNumber, "round", 0, "round number (defaults to the active round)")
	return cmd
}

func newCashoutCmd(apiBase *string) *cobra.Command {
	var roundNumber int64
	cmd := &cobra.Command{
		Use:   "cashout <currency>",
		Short: "Cash out the live bet at the current multiplier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).CashOut(ctx, session.UserID, roundNumber, strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			renderTransaction("Cashed out", out)
			return nil
		},
	}
	cmd.Flags().Int64Var(&roundNumber, "round", 0, "round number (defaults to the active round)")
	return cmd
}

func newRoundCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "round [number]",
		Short: "Show the current or a past round",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)

			var out map[string]any
			var err error
			if len(args) == 0 {
				out, err = client.CurrentRound(ctx)
			} else {
				var number int64
				number, err = strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid round number %q", args[0])
				}
				out, err = client.Round(ctx, number)
			}
			if err != nil {
				return err
			}
			renderRound(out)
			return nil
		},
	}
}

func newVerifyCmd(apiBase *string) *cobra.Command {
	var roundNumber int64
	cmd := &cobra.Command{
		Use:   "verify <seed> <commitment>",
		Short: "Check a revealed seed against its pre-round commitment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Verify(ctx, args[0], args[1], roundNumber)
			if err != nil {
				return err
			}
			if out["valid"] == true {
				printSuccess("Seed matches the commitment.")
			} else {
				printError("Seed does NOT match the commitment.")
			}
			if cp, ok := out["crash_point"].(float64); ok {
				fmt.Printf("Derived crash point for round %v: %.2fx\n", out["round_number"], cp)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&roundNumber, "round", 0, "also derive the crash point for this round")
	return cmd
}

func newWatchCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live round events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			wsURL := newClient(apiBase).WebSocketURL()
			dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
			conn, _, err := dialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", wsURL, err)
			}
			defer conn.Close()
			printInfo("Connected. Ctrl-C to stop.")

			go func() {
				<-ctx.Done()
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
			}()

			for {
				var frame struct {
					Type string          `json:"type"`
					Data json.RawMessage `json:"data"`
				}
				if err := conn.ReadJSON(&frame); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				renderEvent(frame.Type, frame.Data)
			}
		},
	}
}
