package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/health"
	"github.com/migadu/policyd/server/adminapi"
)

type recordList struct {
	Records []adminapi.RecordResponse `json:"records"`
	Count   int                       `json:"count"`
}

func handleGreylistCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printGreylistUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "list":
		handleGreylistList(ctx)
	case "pass":
		handleGreylistPass(ctx)
	case "delete":
		handleGreylistDelete(ctx)
	case "stats":
		handleGreylistStats(ctx)
	case "help", "--help", "-h":
		printGreylistUsage()
	default:
		fmt.Printf("Unknown greylist subcommand: %s\n\n", subcommand)
		printGreylistUsage()
		os.Exit(1)
	}
}

func printGreylistUsage() {
	fmt.Printf(`Greylist Management

Usage:
  policyd-admin greylist <subcommand> [options]

Subcommands:
  list     List records, optionally filtered by --client, --sender or --recipient
  pass     Mark a triplet as valid without waiting for the retry
  delete   Remove a triplet
  stats    Show pending and valid record counts

A client address is aggregated to the configured prefix, so
--client 192.0.2.10 and --client 192.0.2.0/24 name the same record.
`)
}

type tripletFlags struct {
	client, sender, recipient *string
}

func addTripletFlags(fs *flag.FlagSet) tripletFlags {
	return tripletFlags{
		client:    fs.String("client", "", "Client address or aggregated prefix"),
		sender:    fs.String("sender", "", "Envelope sender (empty for the null sender)"),
		recipient: fs.String("recipient", "", "Envelope recipient"),
	}
}

func (t tripletFlags) request() adminapi.TripletRequest {
	return adminapi.TripletRequest{Client: *t.client, Sender: *t.sender, Recipient: *t.recipient}
}

func (t tripletFlags) query() url.Values {
	q := url.Values{}
	for k, v := range map[string]string{"client": *t.client, "sender": *t.sender, "recipient": *t.recipient} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

func handleGreylistList(ctx context.Context) {
	fs := flag.NewFlagSet("greylist list", flag.ExitOnError)
	api := addAPIFlags(fs)
	triplet := addTripletFlags(fs)
	asJSON := fs.Bool("json", false, "Print raw JSON")
	fs.Parse(os.Args[3:])

	var list recordList
	if err := api.client().call(ctx, "GET", "/admin/greylist", triplet.query(), nil, &list); err != nil {
		logger.Fatalf("Failed to list greylist records: %v", err)
	}
	if *asJSON {
		printJSON(os.Stdout, list)
		return
	}
	printRecords(os.Stdout, list.Records)
}

func handleGreylistPass(ctx context.Context) {
	fs := flag.NewFlagSet("greylist pass", flag.ExitOnError)
	api := addAPIFlags(fs)
	triplet := addTripletFlags(fs)
	fs.Parse(os.Args[3:])

	if *triplet.client == "" || *triplet.recipient == "" {
		fmt.Println("Error: --client and --recipient are required")
		fs.Usage()
		os.Exit(1)
	}
	var rec adminapi.RecordResponse
	if err := api.client().call(ctx, "POST", "/admin/greylist/pass", nil, triplet.request(), &rec); err != nil {
		logger.Fatalf("Failed to pass triplet: %v", err)
	}
	printRecords(os.Stdout, []adminapi.RecordResponse{rec})
}

func handleGreylistDelete(ctx context.Context) {
	fs := flag.NewFlagSet("greylist delete", flag.ExitOnError)
	api := addAPIFlags(fs)
	triplet := addTripletFlags(fs)
	fs.Parse(os.Args[3:])

	if *triplet.client == "" || *triplet.recipient == "" {
		fmt.Println("Error: --client and --recipient are required")
		fs.Usage()
		os.Exit(1)
	}
	if err := api.client().call(ctx, "DELETE", "/admin/greylist", nil, triplet.request(), nil); err != nil {
		logger.Fatalf("Failed to delete triplet: %v", err)
	}
	fmt.Println("Record deleted")
}

func handleGreylistStats(ctx context.Context) {
	fs := flag.NewFlagSet("greylist stats", flag.ExitOnError)
	api := addAPIFlags(fs)
	fs.Parse(os.Args[3:])

	var st struct {
		Pending int64 `json:"pending"`
		Valid   int64 `json:"valid"`
	}
	if err := api.client().call(ctx, "GET", "/admin/greylist/stats", nil, nil, &st); err != nil {
		logger.Fatalf("Failed to get greylist stats: %v", err)
	}
	fmt.Printf("Pending: %d\nValid:   %d\n", st.Pending, st.Valid)
}

func printRecords(w io.Writer, records []adminapi.RecordResponse) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No records")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT\tSENDER\tRECIPIENT\tSTATE\tPASSES\tEXPIRES")
	for _, r := range records {
		state, expires := "pending", r.Deadline
		if r.Valid {
			state = "valid"
			if r.Forced {
				state = "forced"
			}
			if r.VisaExpiry != nil {
				expires = *r.VisaExpiry
			}
		}
		sender := r.Sender
		if sender == "" {
			sender = "<>"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Client, sender, r.Recipient, state, r.Passes, expires.Format(time.RFC3339))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d record(s)\n", len(records))
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Warnf("Failed to encode output: %v", err)
	}
}

func handleRulesCommand(ctx context.Context) {
	sub := "list"
	args := os.Args[2:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("rules "+sub, flag.ExitOnError)
	api := addAPIFlags(fs)
	asJSON := fs.Bool("json", false, "Print raw JSON")
	fs.Usage = func() {
		fmt.Println("Usage: policyd-admin rules [list|reload] [--addr URL] [--api-key KEY] [--json]")
	}
	fs.Parse(args)

	switch sub {
	case "list":
		var rules adminapi.RulesResponse
		if err := api.client().call(ctx, "GET", "/admin/rules", nil, nil, &rules); err != nil {
			logger.Fatalf("Failed to list rules: %v", err)
		}
		if *asJSON {
			printJSON(os.Stdout, rules)
			return
		}
		printRules(os.Stdout, rules)
	case "reload":
		if err := api.client().call(ctx, "POST", "/admin/rules/reload", nil, nil, nil); err != nil {
			logger.Fatalf("Failed to reload rules: %v", err)
		}
		fmt.Println("Rules reloaded")
	default:
		fmt.Printf("Unknown rules subcommand: %s\n\n", sub)
		fs.Usage()
		os.Exit(1)
	}
}

func printRules(w io.Writer, rules adminapi.RulesResponse) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	write := func(indent string, list []adminapi.RuleResponse) {
		for _, r := range list {
			action := r.Action
			if r.Macro != "" {
				action += " " + r.Macro
			}
			cond := r.Condition
			if cond == "" {
				cond = "(always)"
			}
			fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\n", indent, r.Name, r.Stages, action, cond)
		}
	}
	fmt.Fprintln(tw, "NAME\tSTAGES\tACTION\tCONDITION")
	write("", rules.Rules)
	for _, name := range slices.Sorted(maps.Keys(rules.Macros)) {
		fmt.Fprintf(tw, "[%s]\t\t\t\n", name)
		write("  ", rules.Macros[name])
	}
	tw.Flush()
}

func handleStatus(ctx context.Context) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	api := addAPIFlags(fs)
	fs.Parse(os.Args[2:])

	var st adminapi.StatusResponse
	if err := api.client().call(ctx, "GET", "/admin/status", nil, nil, &st); err != nil {
		logger.Fatalf("Failed to get status: %v", err)
	}
	fmt.Printf("Connections: %d active, %d total\n", st.ActiveConnections, st.TotalConnections)
	fmt.Printf("Rules:       %d\n", st.Rules)
	fmt.Printf("Greylisting: %t\n", st.Greylisting)
}

func handleHealth(ctx context.Context) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	api := addAPIFlags(fs)
	fs.Parse(os.Args[2:])

	var resp adminapi.HealthResponse
	err := api.client().call(ctx, "GET", "/admin/health", nil, nil, &resp)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		// An unhealthy answer still carries the component report.
		err = json.Unmarshal([]byte(apiErr.Message), &resp)
	}
	if err != nil {
		logger.Fatalf("Failed to get health: %v", err)
	}
	fmt.Printf("Overall: %s\n", resp.Status)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tSTATUS\tCHECKS\tFAILURES\tLAST ERROR")
	for _, name := range slices.Sorted(maps.Keys(resp.Components)) {
		c := resp.Components[name]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", name, c.Status, c.Checks, c.Failures, c.LastError)
	}
	tw.Flush()
	if resp.Status == health.StatusUnhealthy {
		os.Exit(2)
	}
}
