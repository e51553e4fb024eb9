package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/migadu/autocrypt/account"
	"github.com/migadu/autocrypt/helpers"
	"github.com/migadu/autocrypt/peerstate"
)

func handleInit(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("init", `Create the account and generate its own key

Usage:
  autocrypt init [--replace]
`, out)
	replace := fs.Bool("replace", false, "Delete an existing account first")
	if err := fs.Parse(args); err != nil {
		return err
	}

	acct, _, cleanup, err := common.openAccount(fs)
	if err != nil {
		return err
	}
	defer cleanup()

	settings, err := acct.Init(ctx, *replace)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "account initialized at %s\n", acct.Dir())
	fmt.Fprintf(out, "own keyhandle: %s\n", settings.OwnKeyHandle)
	return nil
}

func handleShow(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("show", `Show account settings and all known peers

Usage:
  autocrypt show [--json]
`, out)
	asJSON := fs.Bool("json", false, "Print JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return err
	}

	acct, _, cleanup, err := common.openAccount(fs)
	if err != nil {
		return err
	}
	defer cleanup()

	summary, err := acct.Show(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, summary)
	}

	fmt.Fprintf(out, "account-dir:     %s\n", summary.Dir)
	fmt.Fprintf(out, "uuid:            %s\n", summary.UUID)
	fmt.Fprintf(out, "own-keyhandle:   %s\n", summary.OwnKeyHandle)
	fmt.Fprintf(out, "prefer-encrypt:  %s\n", summary.PreferEncrypt)
	if len(summary.Peers) == 0 {
		fmt.Fprintln(out, "peers:           none")
		return nil
	}
	fmt.Fprintf(out, "peers:           %d\n", len(summary.Peers))
	for _, p := range summary.Peers {
		printPeer(out, p)
	}
	return nil
}

func printPeer(out io.Writer, p *peerstate.PeerState) {
	fmt.Fprintf(out, "  %s\n", p.Address)
	fmt.Fprintf(out, "    prefer-encrypt:      %s\n", p.PreferEncrypt)
	fmt.Fprintf(out, "    public-keyhandle:    %s\n", orNone(p.PublicKeyHandle))
	gossip, _ := p.GossipKey()
	fmt.Fprintf(out, "    gossip-keyhandle:    %s\n", orNone(gossip))
	fmt.Fprintf(out, "    last-seen:           %s\n", formatTime(p.LastSeen))
	fmt.Fprintf(out, "    last-seen-autocrypt: %s\n", formatTime(p.LastSeenAutocrypt))
	if !p.LastSeenGossip.IsZero() {
		fmt.Fprintf(out, "    last-seen-gossip:    %s\n", formatTime(p.LastSeenGossip))
	}
}

func handleMakeHeader(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("make-header", `Print the Autocrypt header announcing the own key

Usage:
  autocrypt make-header <emailadr>
`, out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: make-header requires exactly one address", errUsage)
	}

	acct, _, cleanup, err := common.openAccount(fs)
	if err != nil {
		return err
	}
	defer cleanup()

	line, err := acct.MakeHeader(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, line)
	return nil
}

func handleSetPreferEncrypt(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("set-prefer-encrypt", `Show or set the own prefer-encrypt value

Usage:
  autocrypt set-prefer-encrypt [notset|yes|no]
`, out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("%w: set-prefer-encrypt takes at most one value", errUsage)
	}

	acct, _, cleanup, err := common.openAccount(fs)
	if err != nil {
		return err
	}
	defer cleanup()

	if fs.NArg() == 1 {
		if err := acct.SetPreferEncrypt(ctx, fs.Arg(0)); err != nil {
			return err
		}
	}
	pref, err := acct.PreferEncrypt(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, pref)
	return nil
}

func handleProcessIncomingMail(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs, common := newFlagSet("process-incoming-mail", `Update peer state from an incoming message

Usage:
  autocrypt process-incoming-mail [file]

The message is read from stdin when no file is given.
`, out)
	if err := fs.Parse(args); err != nil {
		return err
	}

	src := in
	if fs.NArg() > 0 && fs.Arg(0) != "-" {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return fmt.Errorf("failed to open message: %w", err)
		}
		defer f.Close()
		src = f
	}

	acct, _, cleanup, err := common.openAccount(fs)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := acct.ProcessIncomingMail(ctx, src)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "processed mail from %s: header=%s outcome=%s\n", res.From, res.Result, res.Outcome)
	return nil
}

func handleExportPublicKey(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("export-public-key", `Print an ASCII-armored public key

Usage:
  autocrypt export-public-key [keyhandle|emailadr]

Without an argument the own public key is exported.
`, out)
	if err := fs.Parse(args); err != nil {
		return err
	}

	acct, _, cleanup, err := common.openAccount(fs)
	if err != nil {
		return err
	}
	defer cleanup()

	armored, err := acct.ExportPublicKey(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprint(out, armored)
	return nil
}

func handleExportPrivateKey(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("export-private-key", `Print the ASCII-armored own secret key

Usage:
  autocrypt export-private-key
`, out)
	if err := fs.Parse(args); err != nil {
		return err
	}

	acct, _, cleanup, err := common.openAccount(fs)
	if err != nil {
		return err
	}
	defer cleanup()

	armored, err := acct.ExportPrivateKey(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(out, armored)
	return nil
}

func handleRecommend(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("recommend", `Compute the encryption recommendation for a list of recipients

Usage:
  autocrypt recommend [--json] <emailadr>...
`, out)
	asJSON := fs.Bool("json", false, "Print JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: recommend requires at least one recipient", errUsage)
	}

	acct, _, cleanup, err := common.openAccount(fs)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := acct.Recommend(ctx, fs.Args()...)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, res)
	}
	fmt.Fprintf(out, "recommendation: %s\n", res.Recommendation)
	for _, addr := range fs.Args() {
		key := lookupTargetKey(res, addr)
		if !key.found {
			fmt.Fprintf(out, "  %s: no key\n", addr)
			continue
		}
		fmt.Fprintf(out, "  %s: %s (%s)\n", addr, key.handle, key.source)
	}
	return nil
}

type targetKey struct {
	handle string
	source string
	found  bool
}

func lookupTargetKey(res *account.RecommendationResult, addr string) targetKey {
	for a, k := range res.TargetKeys {
		if helpers.SameAddress(a, addr) {
			return targetKey{handle: k.Handle, source: string(k.Source), found: k.Found()}
		}
	}
	return targetKey{}
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
