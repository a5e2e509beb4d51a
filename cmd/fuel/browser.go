package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashleyhindle/fuel/internal/browser"
	"github.com/ashleyhindle/fuel/internal/ipc"
)

const defaultBrowserTimeout = browser.DefaultTimeout + 5*time.Second

type browserFlags struct {
	ref     string
	asJSON  bool
	timeout time.Duration
}

func (f *browserFlags) register(cmd *cobra.Command, withRef bool) {
	if withRef {
		cmd.Flags().StringVar(&f.ref, "ref", "", "Element ref from browser:snapshot, e.g. @e3")
	}
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "Print the raw browser response")
	cmd.Flags().DurationVar(&f.timeout, "timeout", defaultBrowserTimeout, "How long to wait for the daemon")
}

// target turns the positional target and --ref into the protocol's
// selector/ref pair. A positional target starting with @ is a ref.
func (f *browserFlags) target(positional string) (selector, ref string, err error) {
	if f.ref != "" && positional != "" {
		return "", "", browser.ValidateTarget(positional, f.ref)
	}
	if f.ref != "" {
		return "", f.ref, browser.ValidateTarget("", f.ref)
	}
	selector, ref = browser.ParseTarget(positional)
	return selector, ref, browser.ValidateTarget(selector, ref)
}

func newBrowserCmds() []*cobra.Command {
	return []*cobra.Command{
		newBrowserGotoCmd(),
		newBrowserClickCmd(),
		newBrowserTypeCmd(),
		newBrowserHTMLCmd(),
		newBrowserSnapshotCmd(),
		newBrowserRunCmd(),
		newBrowserCloseCmd(),
	}
}

func newBrowserGotoCmd() *cobra.Command {
	var f browserFlags
	cmd := &cobra.Command{
		Use:   "browser:goto <page_id> <url>",
		Short: "Open url in a page, creating the page if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendBrowser(cmd, &f, ipc.BrowserGotoPayload{PageID: args[0], URL: args[1]})
		},
	}
	f.register(cmd, false)
	return cmd
}

func newBrowserClickCmd() *cobra.Command {
	var f browserFlags
	cmd := &cobra.Command{
		Use:   "browser:click <page_id> [target]",
		Short: "Click an element by selector or ref",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, ref, err := f.target(argAt(args, 1))
			if err != nil {
				return err
			}
			return sendBrowser(cmd, &f, ipc.BrowserClickPayload{
				BrowserTarget: ipc.BrowserTarget{PageID: args[0], Selector: sel, Ref: ref},
			})
		},
	}
	f.register(cmd, true)
	return cmd
}

func newBrowserTypeCmd() *cobra.Command {
	var f browserFlags
	var delay int
	cmd := &cobra.Command{
		Use:   "browser:type <page_id> [target] <text>",
		Short: "Type text into an element",
		Long: `Type text into the element named by target, or by --ref when target is
omitted. --delay waits that many milliseconds between keystrokes.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, text := "", args[1]
			if len(args) == 3 {
				target, text = args[1], args[2]
			}
			sel, ref, err := f.target(target)
			if err != nil {
				return err
			}
			if delay < 0 {
				return &browser.ValidationError{Message: "--delay cannot be negative"}
			}
			return sendBrowser(cmd, &f, ipc.BrowserTypePayload{
				BrowserTarget: ipc.BrowserTarget{PageID: args[0], Selector: sel, Ref: ref},
				Text:          text,
				DelayMS:       delay,
			})
		},
	}
	f.register(cmd, true)
	cmd.Flags().IntVar(&delay, "delay", 0, "Milliseconds between keystrokes")
	return cmd
}

func newBrowserHTMLCmd() *cobra.Command {
	var f browserFlags
	var inner bool
	cmd := &cobra.Command{
		Use:   "browser:html <page_id> [selector]",
		Short: "Print the HTML of the page or one element",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			positional := argAt(args, 1)
			var sel, ref string
			if positional != "" || f.ref != "" {
				var err error
				if sel, ref, err = f.target(positional); err != nil {
					return err
				}
			}
			return sendBrowser(cmd, &f, ipc.BrowserHTMLPayload{
				BrowserTarget: ipc.BrowserTarget{PageID: args[0], Selector: sel, Ref: ref},
				Inner:         inner,
			})
		},
	}
	f.register(cmd, true)
	cmd.Flags().BoolVar(&inner, "inner", false, "Print innerHTML instead of outerHTML")
	return cmd
}

func newBrowserSnapshotCmd() *cobra.Command {
	var f browserFlags
	var scope string
	var interactive bool
	cmd := &cobra.Command{
		Use:   "browser:snapshot <page_id>",
		Short: "List page elements and assign @e refs to them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendBrowser(cmd, &f, ipc.BrowserSnapshotPayload{
				PageID:          args[0],
				Scope:           scope,
				InteractiveOnly: interactive,
			})
		},
	}
	f.register(cmd, false)
	cmd.Flags().StringVar(&scope, "scope", "", "CSS selector limiting the snapshot")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "Only include interactive elements")
	return cmd
}

func newBrowserRunCmd() *cobra.Command {
	var f browserFlags
	cmd := &cobra.Command{
		Use:   "browser:run <page_id> <code>",
		Short: "Evaluate JavaScript in a page and print its result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendBrowser(cmd, &f, ipc.BrowserRunPayload{PageID: args[0], Code: args[1]})
		},
	}
	f.register(cmd, false)
	return cmd
}

func newBrowserCloseCmd() *cobra.Command {
	var f browserFlags
	cmd := &cobra.Command{
		Use:   "browser:close <page_id>",
		Short: "Close a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendBrowser(cmd, &f, ipc.BrowserClosePayload{PageID: args[0]})
		},
	}
	f.register(cmd, false)
	return cmd
}

// sendBrowser runs one browser command against the daemon. A response with
// success=false becomes a *ipc.RemoteError carrying the daemon's own text.
func sendBrowser(cmd *cobra.Command, f *browserFlags, p ipc.CommandPayload) error {
	ev, err := call(cmd.Context(), p, f.timeout)
	if err != nil {
		return err
	}
	var resp ipc.BrowserResponse
	if err := ev.Decode(&resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if f.asJSON {
		if err := writeJSON(out, resp); err != nil {
			return err
		}
	} else if resp.Success {
		if err := printResult(out, resp.Result); err != nil {
			return err
		}
	}
	if !resp.Success {
		return &ipc.RemoteError{Code: resp.ErrorCode, Message: resp.Error}
	}
	return nil
}

// printResult prints string results raw and anything else as indented JSON.
func printResult(w io.Writer, result json.RawMessage) error {
	if len(result) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		return fmt.Errorf("decode browser result: %w", err)
	}
	return writeJSON(w, v)
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
