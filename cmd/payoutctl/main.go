package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/PomeGroup/ontonbot-sub004/cmd/internal/passphrase"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd/store"
)

const (
	keygenCommand = "keygen"
	importCommand = "import-key"
	submitCommand = "submit"
	exportCommand = "export"

	defaultConfig  = "services/payoutd/config.yaml"
	defaultPassEnv = "PAYOUTCTL_IMPORT_PASS"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:])
	case importCommand:
		err = runImport(os.Args[2:])
	case submitCommand:
		err = runSubmit(os.Args[2:])
	case exportCommand:
		err = runExport(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openRepository(configPath string) (payoutd.Config, *store.Repository, error) {
	cfg, err := payoutd.LoadConfig(configPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, store.New(db), nil
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the payoutd config file")
	owner := fs.String("owner", "", "Owner whose custodial wallet is created")
	force := fs.Bool("force", false, "Replace an existing custodial wallet")
	fs.Parse(args)

	cfg, repo, err := openRepository(*configPath)
	if err != nil {
		return err
	}
	address, err := generateAccount(context.Background(), repo, *owner, cfg.Keystore.Passphrase, *force)
	if err != nil {
		return err
	}
	fmt.Printf("Created custodial wallet %s for %s\n", address, *owner)
	return nil
}

func runImport(args []string) error {
	fs := flag.NewFlagSet(importCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the payoutd config file")
	owner := fs.String("owner", "", "Owner the wallet belongs to")
	keystorePath := fs.String("keystore", "", "Keystore file holding the existing wallet key")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Replace an existing custodial wallet")
	fs.Parse(args)

	cfg, repo, err := openRepository(*configPath)
	if err != nil {
		return err
	}
	source := passphrase.NewSource(*passEnv, "import keystore")
	address, err := importAccount(context.Background(), repo, *owner, *keystorePath, source.Get, cfg.Keystore.Passphrase, *force)
	if err != nil {
		return err
	}
	fmt.Printf("Imported custodial wallet %s for %s\n", address, *owner)
	return nil
}

func runSubmit(args []string) error {
	fs := flag.NewFlagSet(submitCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the payoutd config file")
	file := fs.String("file", "", "JSON job manifest")
	start := fs.Bool("start", true, "Move the job to distributing after it is stored")
	fs.Parse(args)

	_, repo, err := openRepository(*configPath)
	if err != nil {
		return err
	}
	payload, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	job, err := submitJob(context.Background(), repo, payload, *start)
	if err != nil {
		return err
	}
	fmt.Printf("Stored job %s with %d recipients (%s)\n", job.ID, job.recipients, job.status)
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet(exportCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the payoutd config file")
	jobID := fs.String("job", "", "Job to export")
	format := fs.String("format", "csv", "Output format: csv, jsonl or parquet")
	out := fs.String("out", "", "Output file (stdout when empty; required for parquet)")
	fs.Parse(args)

	_, repo, err := openRepository(*configPath)
	if err != nil {
		return err
	}
	checksum, err := exportSettlements(context.Background(), repo, *jobID, *format, *out, os.Stdout)
	if err != nil {
		return err
	}
	if checksum != "" {
		fmt.Fprintf(os.Stderr, "sha256 %s\n", checksum)
	}
	return nil
}

func usage() {
	fmt.Println("payoutctl <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Printf("  %s        Generate and store a custodial payout wallet\n", keygenCommand)
	fmt.Printf("  %s    Seal an existing keystore as a custodial payout wallet\n", importCommand)
	fmt.Printf("  %s        Store a payout job from a JSON manifest\n", submitCommand)
	fmt.Printf("  %s        Export settlements of a job\n", exportCommand)
}
