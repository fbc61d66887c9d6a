package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/svenhq/dispatch/assistant/ipc"
	"github.com/svenhq/dispatch/internal/version"
)

var (
	socketPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:     "dispatchctl",
	Short:   "Control CLI for the dispatch daemon",
	Version: version.String(),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List active sessions",
	RunE: func(_ *cobra.Command, _ []string) error {
		resp, err := request(ipc.Request{Cmd: "status"})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(resp.Sessions)
		}
		if len(resp.Sessions) == 0 {
			fmt.Println("no active sessions")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tCHAT ID\tTIER\tTYPE\tMODEL\tTURNS\tIDLE\tSTATE")
		for _, s := range resp.Sessions {
			name := s.Name
			if s.DisplayName != "" {
				name = fmt.Sprintf("%s (%s)", s.Name, s.DisplayName)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				name, s.ChatID, s.Tier, s.Type, s.Model,
				s.TurnCount, idle(s.LastActivity), state(s.Alive, s.Busy))
		}
		return w.Flush()
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <chat_id>",
	Short: "Kill the session owning a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return messageOf(request(ipc.Request{Cmd: "kill_session", ChatID: args[0]}))
	},
}

var killAllCmd = &cobra.Command{
	Use:   "kill-all",
	Short: "Kill every active session",
	RunE: func(_ *cobra.Command, _ []string) error {
		return messageOf(request(ipc.Request{Cmd: "kill_all_sessions"}))
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <chat_id>",
	Short: "Restart a session, resuming its agent transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return messageOf(request(ipc.Request{Cmd: "restart_session", ChatID: args[0]}))
	},
}

var setModelCmd = &cobra.Command{
	Use:   "set-model <chat_id> <model>",
	Short: "Pin a chat to a model and restart its session",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return messageOf(request(ipc.Request{Cmd: "set_model", ChatID: args[0], Model: args[1]}))
	},
}

var (
	injectSMS     bool
	injectAdmin   bool
	injectBG      bool
	injectContact string
	injectTier    string
	injectSource  string
)

var injectCmd = &cobra.Command{
	Use:   "inject <chat_id> <prompt>",
	Short: "Inject a prompt into a chat's session, creating it if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		resp, err := request(ipc.Request{
			Cmd:         "inject",
			ChatID:      args[0],
			Prompt:      args[1],
			SMS:         injectSMS,
			Admin:       injectAdmin,
			BG:          injectBG,
			ContactName: injectContact,
			Tier:        injectTier,
			Source:      injectSource,
		})
		return messageOf(resp, err)
	},
}

func request(req ipc.Request) (ipc.Response, error) {
	resp, err := ipc.NewClient(socketPath).Do(req)
	if err != nil {
		return ipc.Response{}, err
	}
	if !resp.OK {
		if resp.Error != "" {
			return ipc.Response{}, fmt.Errorf("%s", resp.Error)
		}
		return ipc.Response{}, fmt.Errorf("%s", resp.Message)
	}
	return resp, nil
}

func messageOf(resp ipc.Response, err error) error {
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}
	fmt.Println(resp.Message)
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func idle(last time.Time) string {
	if last.IsZero() {
		return "-"
	}
	return time.Since(last).Round(time.Second).String()
}

func state(alive, busy bool) string {
	switch {
	case !alive:
		return "dead"
	case busy:
		return "busy"
	default:
		return "idle"
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", ipc.DefaultSocketPath, "daemon control socket")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")

	injectCmd.Flags().BoolVar(&injectSMS, "sms", false, "wrap the prompt as an inbound text message")
	injectCmd.Flags().BoolVar(&injectAdmin, "admin", false, "wrap the prompt as an admin override")
	injectCmd.Flags().BoolVar(&injectBG, "bg", false, "route to the chat's background session")
	injectCmd.Flags().StringVar(&injectContact, "contact-name", "", "contact display name for new sessions")
	injectCmd.Flags().StringVar(&injectTier, "tier", "", "tier for new sessions (admin, wife, family, favorite, bots)")
	injectCmd.Flags().StringVar(&injectSource, "source", "", "backend (imessage, signal, test, sven-app)")

	rootCmd.AddCommand(statusCmd, killCmd, killAllCmd, restartCmd, setModelCmd, injectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
