// aisverify checks a decision ledger offline: every entry hash is
// recomputed, the chain linkage is walked from genesis, and with a
// public key the entry signatures are verified. It reads either a
// ledger JSON export or the run store directly, so third parties can
// audit a run without the daemon.
//
// Usage:
//
//	aisverify [flags] <ledger.json>
//	aisverify [flags] -db run.db
//
// Examples:
//
//	# Structural verification of an exported ledger
//	aisverify results/ledger_s3.json
//
//	# Full verification against the authority public key
//	aisverify -pubkey keys/authority.pub results/ledger_s3.json
//
//	# Verify the daemon's run store in place
//	aisverify -db data/aisledger.db -pubkey keys/authority.pub
package main

import (
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"aisledger/internal/ledger"
	"aisledger/internal/signer"
	"aisledger/internal/store"
)

func main() {
	dbPath := flag.String("db", "", "verify the ledger inside a run store instead of a JSON export")
	pubPath := flag.String("pubkey", "", "authority public key; enables signature verification")
	quiet := flag.Bool("quiet", false, "suppress output, use the exit code only")
	jsonOut := flag.Bool("json", false, "print the verification result as JSON")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "aisverify - offline decision ledger verification\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <ledger.json>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s [flags] -db <run.db>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	entries, source, err := loadEntries(*dbPath, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	var pub ed25519.PublicKey
	if *pubPath != "" {
		if pub, err = signer.LoadPublicKey(*pubPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: load public key: %v\n", err)
			os.Exit(2)
		}
	}

	verifyErr := ledger.VerifyEntries(entries, pub)
	result := verifyResult{
		Source:     source,
		Entries:    len(entries),
		Signatures: pub != nil,
		Valid:      verifyErr == nil,
	}
	if verifyErr != nil {
		result.Error = verifyErr.Error()
	}

	if !*quiet {
		if *jsonOut {
			json.NewEncoder(os.Stdout).Encode(result)
		} else {
			printResult(result, entries)
		}
	}
	if verifyErr != nil {
		os.Exit(1)
	}
}

func loadEntries(dbPath string, args []string) ([]*ledger.Entry, string, error) {
	switch {
	case dbPath != "":
		s, err := store.Open(dbPath)
		if err != nil {
			return nil, "", err
		}
		defer s.Close()
		entries, err := s.GetLedgerEntries()
		if err != nil {
			return nil, "", err
		}
		return entries, dbPath, nil

	case len(args) == 1:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, "", err
		}
		var entries []*ledger.Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, "", fmt.Errorf("parse ledger export: %w", err)
		}
		return entries, args[0], nil

	default:
		flag.Usage()
		os.Exit(2)
		return nil, "", nil
	}
}

type verifyResult struct {
	Source     string `json:"source"`
	Entries    int    `json:"entries"`
	Signatures bool   `json:"signatures_checked"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

func printResult(result verifyResult, entries []*ledger.Entry) {
	fmt.Printf("Ledger:     %s\n", result.Source)
	fmt.Printf("Entries:    %d\n", result.Entries)
	if result.Entries > 0 {
		first, last := entries[0], entries[len(entries)-1]
		fmt.Printf("Range:      window %d .. %d\n", first.WindowID, last.WindowID)
		fmt.Printf("Head hash:  %s\n", last.HexHash())
	}
	if result.Signatures {
		fmt.Println("Signatures: checked")
	} else {
		fmt.Println("Signatures: skipped (no -pubkey)")
	}
	if result.Valid {
		fmt.Println("Result:     VALID")
	} else {
		fmt.Printf("Result:     INVALID (%s)\n", result.Error)
	}
}
