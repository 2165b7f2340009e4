//go:build unix

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/pkg/errors"
	"github.com/tollgate-proxy/tollgate/pkg/retry"
	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/state"
)

var ctlFlags struct {
	socket         string
	timeout        time.Duration
	connectRetries int
}

var applyFlags struct {
	from     string
	watch    bool
	debounce time.Duration
}

var listFlags struct {
	listener string
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Send orders to a running worker",
}

var applyCmd = &cobra.Command{
	Use:   "apply <state file>",
	Short: "Move a worker to a desired state",
	Long: `Compute the orders that turn the state given by --from (an empty worker
when omitted) into the state file, and send them one by one. Additions go
first so that nothing routable disappears before its replacement exists.

With --watch the command keeps running and applies every change to the
file, diffing against the last state applied successfully.`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the worker's status report as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, command.Status, nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp.Content.Report)
	},
}

var softStopCmd = &cobra.Command{
	Use:   "soft-stop",
	Short: "Stop accepting, drain sessions, then stop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, command.SoftStop, nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
		return nil
	},
}

var hardStopCmd = &cobra.Command{
	Use:   "hard-stop",
	Short: "Close every session and stop at once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, command.HardStop, nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
		return nil
	},
}

var logLevelCmd = &cobra.Command{
	Use:       "log-level <debug|info|warn|error>",
	Short:     "Change the worker's log level",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"debug", "info", "warn", "error"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd, command.SetLogLevel, command.LogLevel{Level: args[0]})
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <listener>",
	Short: "Resume accepting on a paused listener",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd, command.ActivateListener, command.ListenerRef{ID: args[0]})
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate <listener>",
	Short: "Stop accepting on a listener but keep its address bound",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAndPrint(cmd, command.DeactivateListener, command.ListenerRef{ID: args[0]})
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the routing rules as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, command.ListRules, command.ListFilter{ListenerID: listFlags.listener})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp.Content.Rules)
	},
}

var certificatesCmd = &cobra.Command{
	Use:   "certificates",
	Short: "Print the installed certificates as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, command.ListCertificates, command.ListFilter{ListenerID: listFlags.listener})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp.Content.Certificates)
	},
}

var orderCmd = &cobra.Command{
	Use:   "order <json|->",
	Short: "Send a raw order and print the answer",
	Long: `Send one order written as a control request, for example:

  tollgate ctl order '{"type":"REMOVE_BACKEND","data":{"pool_id":"app","id":"b1"}}'

The id and version are filled in when missing. "-" reads the order from
standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: runOrder,
}

func init() {
	rootCmd.AddCommand(ctlCmd)
	ctlCmd.AddCommand(applyCmd, statusCmd, softStopCmd, hardStopCmd, orderCmd,
		logLevelCmd, activateCmd, deactivateCmd, rulesCmd, certificatesCmd)

	ctlCmd.PersistentFlags().StringVarP(&ctlFlags.socket, "socket", "s", "", "worker control socket (default: control.socket_path from config)")
	ctlCmd.PersistentFlags().DurationVar(&ctlFlags.timeout, "timeout", time.Minute, "time allowed for each order")
	ctlCmd.PersistentFlags().IntVar(&ctlFlags.connectRetries, "connect-retries", 3, "retries while the control socket is not there yet")

	applyCmd.Flags().StringVar(&applyFlags.from, "from", "", "state the worker currently runs")
	applyCmd.Flags().BoolVarP(&applyFlags.watch, "watch", "w", false, "keep applying changes to the state file")
	applyCmd.Flags().DurationVar(&applyFlags.debounce, "debounce", 500*time.Millisecond, "quiet period before a change is applied")

	for _, c := range []*cobra.Command{rulesCmd, certificatesCmd} {
		c.Flags().StringVarP(&listFlags.listener, "listener", "l", "", "only list this listener")
	}
}

// orderSender is the part of command.Client the ctl commands use.
type orderSender interface {
	Call(req command.Request, fds ...int) (command.Response, error)
}

func dial(cmd *cobra.Command) (*command.Client, error) {
	path := ctlFlags.socket
	maxSize := 0
	if cfg, err := loadConfig(cmd); err == nil {
		maxSize = cfg.Worker.MaxCommandSize
		if path == "" {
			path = cfg.Control.SocketPath
		}
	} else if path == "" {
		return nil, err
	}
	if maxSize <= 0 {
		maxSize = 1 << 20
	}
	var client *command.Client
	backoff := retry.BackoffConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
		Jitter:          true,
		MaxRetries:      ctlFlags.connectRetries,
	}
	err := retry.WithRetry(cmd.Context(), func() error {
		c, err := command.Dial(path, maxSize)
		if err != nil {
			return err
		}
		client = c
		return nil
	}, backoff)
	if err != nil {
		return nil, errors.Fatal("connect", err)
	}
	if ctlFlags.timeout > 0 {
		client.SetDeadline(time.Now().Add(ctlFlags.timeout))
	}
	client.OnProgress = func(r command.Response) {
		fmt.Fprintln(cmd.ErrOrStderr(), r.Message)
	}
	return client, nil
}

func call(cmd *cobra.Command, typ command.Type, payload any) (command.Response, error) {
	client, err := dial(cmd)
	if err != nil {
		return command.Response{}, err
	}
	defer client.Close()
	req, err := command.NewRequest(uuid.NewString(), typ, payload)
	if err != nil {
		return command.Response{}, err
	}
	return send(client, req)
}

func callAndPrint(cmd *cobra.Command, typ command.Type, payload any) error {
	resp, err := call(cmd, typ, payload)
	if err != nil {
		return err
	}
	if resp.Message != "" {
		fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	}
	return nil
}

func send(c orderSender, req command.Request) (command.Response, error) {
	resp, err := c.Call(req)
	if err != nil {
		return resp, errors.Fatal(string(req.Type), err)
	}
	if resp.Status != command.StatusOK {
		return resp, errors.Fatal(string(req.Type), fmt.Errorf("%s", resp.Message))
	}
	return resp, nil
}

// applyOrders sends diff orders in sequence under fresh ids and stops at the
// first failure. It returns how many were applied.
func applyOrders(c orderSender, reqs []command.Request, out io.Writer) (int, error) {
	for i, req := range reqs {
		step := req.ID
		req.ID = uuid.NewString()
		resp, err := send(c, req)
		if err != nil {
			return i, fmt.Errorf("%s: %w", step, err)
		}
		fmt.Fprintf(out, "%s: %s\n", step, resp.Message)
	}
	return len(reqs), nil
}

func runApply(cmd *cobra.Command, args []string) error {
	path := args[0]
	var current *state.State
	if applyFlags.from != "" {
		s, err := state.Load(applyFlags.from)
		if err != nil {
			return errors.Config(applyFlags.from, err)
		}
		current = s
	}

	applyFile := func() error {
		next, err := state.Load(path)
		if err != nil {
			return errors.Config(path, err)
		}
		reqs, err := state.Diff(current, next)
		if err != nil {
			return errors.Validation(path, err)
		}
		if len(reqs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to apply")
			current = next
			return nil
		}
		client, err := dial(cmd)
		if err != nil {
			return err
		}
		defer client.Close()
		n, err := applyOrders(client, reqs, cmd.OutOrStdout())
		if err != nil {
			return fmt.Errorf("applied %d of %d orders: %w", n, len(reqs), err)
		}
		current = next
		return nil
	}

	if err := applyFile(); err != nil {
		return err
	}
	if !applyFlags.watch {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return state.Watch(ctx, path, applyFlags.debounce, func() {
		if err := applyFile(); err != nil {
			logger.Error("State: apply failed, keeping previous state", "path", path, "error", err)
		}
	})
}

func runOrder(cmd *cobra.Command, args []string) error {
	var raw []byte
	if args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		raw = data
	} else {
		raw = []byte(args[0])
	}
	req, err := parseOrder(raw)
	if err != nil {
		return err
	}

	client, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()
	resp, err := client.Call(req)
	if err != nil {
		return errors.Fatal(string(req.Type), err)
	}
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if resp.Status != command.StatusOK {
		return errors.Fatal(string(req.Type), fmt.Errorf("%s", resp.Message))
	}
	return nil
}

// parseOrder reads a request, filling the id and version, and checks that
// the worker would decode it.
func parseOrder(raw []byte) (command.Request, error) {
	var req command.Request
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, errors.Validation("order", err)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Version == 0 {
		req.Version = command.Version
	}
	if _, err := command.Decode(req); err != nil {
		return req, errors.Validation("order", err)
	}
	return req, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
