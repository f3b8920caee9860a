// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command marginsim runs a margin trading scenario against the broker on an
// in-memory state and prints the trader's account before and after.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	log "github.com/luxfi/log"
)

func main() {
	scenarioPath := flag.String("scenario", "", "Path to a TOML scenario (built-in scenario when empty)")
	asJSON := flag.Bool("json", false, "Print the report as JSON")
	flag.Parse()

	sc, err := LoadScenario(*scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load scenario: %v\n", err)
		os.Exit(1)
	}

	sim, err := NewSimulator(sc, log.NewTestLogger(log.InfoLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to deploy scenario: %v\n", err)
		os.Exit(1)
	}
	report, err := sim.Run(sc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to run scenario: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(output))
		return
	}
	printAccount("before", report.Before)
	for _, tr := range report.Trades {
		if tr.Err != "" {
			fmt.Printf("%-34s %-12s reverted: %s\n", tr.Method, tr.Path, tr.Err)
			continue
		}
		fmt.Printf("%-34s %-12s %s\n", tr.Method, tr.Path, tr.Result)
	}
	printAccount("after", report.After)
	fmt.Printf("audit entries: %d\n", report.Audit)
}

func printAccount(label string, a AccountReport) {
	fmt.Printf("%-6s collateral=%s debt=%s available=%s hf=%s\n",
		label, a.TotalCollateral, a.TotalDebt, a.AvailableBorrow, a.HealthFactor)
}
