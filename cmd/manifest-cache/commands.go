package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	manifestcache "github.com/wolfeidau/manifest-cache"
	"github.com/wolfeidau/manifest-cache/config"
	"github.com/wolfeidau/manifest-cache/contentstore"
	"github.com/wolfeidau/manifest-cache/ledger"
)

// CLI is the command line. Flag defaults come from the environment.
type CLI struct {
	Dir             string        `help:"Directory holding content databases." default:"${dir}" type:"path"`
	BaseURL         string        `help:"Bungie.net base URL." default:"${base_url}" name:"base-url"`
	DownloadTimeout time.Duration `help:"Bound on archive download and extraction." default:"${download_timeout}"`
	NoLedger        bool          `help:"Do not record refreshes in the ledger." default:"${no_ledger}"`
	RedisURL        string        `help:"Redis URL for the decoded record cache." default:"${redis_url}" name:"redis-url"`
	CredentialsFile string        `help:"Credentials template providing api_key and redis_url." default:"${credentials_file}"`
	LogLevel        string        `help:"Log level." enum:"debug,info,warn,error" default:"${log_level}"`
	LogFormat       string        `help:"Log format." enum:"text,json" default:"${log_format}"`
	MetricsAddr     string        `help:"Address to serve Prometheus /metrics on." default:"${metrics_addr}"`
	OTLPEndpoint    string        `help:"OTLP gRPC endpoint for metrics." default:"${otlp_endpoint}" name:"otlp-endpoint"`

	Fetch  FetchCmd  `cmd:"" help:"Download content databases if missing."`
	Decode DecodeCmd `cmd:"" help:"Decode a definition by hash."`
	Tables TablesCmd `cmd:"" help:"List the definition tables of a content database."`
	Status StatusCmd `cmd:"" help:"Show the recorded manifest for each language."`
	Prune  PruneCmd  `cmd:"" help:"Delete superseded content databases."`
}

func defaultVars(cfg config.Config) kong.Vars {
	return kong.Vars{
		"dir":              cfg.Dir,
		"base_url":         cfg.BaseURL,
		"download_timeout": cfg.DownloadTimeout.String(),
		"no_ledger":        strconv.FormatBool(cfg.DisableLedger),
		"redis_url":        cfg.RedisURL,
		"credentials_file": cfg.CredentialsFile,
		"log_level":        cfg.LogLevel,
		"log_format":       cfg.LogFormat,
		"metrics_addr":     cfg.MetricsAddr,
		"otlp_endpoint":    cfg.OTLPEndpoint,
	}
}

// apply copies the parsed flags over cfg.
func (c *CLI) apply(cfg *config.Config) {
	cfg.Dir = c.Dir
	cfg.BaseURL = c.BaseURL
	cfg.DownloadTimeout = c.DownloadTimeout
	cfg.DisableLedger = c.NoLedger
	cfg.RedisURL = c.RedisURL
	cfg.CredentialsFile = c.CredentialsFile
	cfg.LogLevel = c.LogLevel
	cfg.LogFormat = c.LogFormat
	cfg.MetricsAddr = c.MetricsAddr
	cfg.OTLPEndpoint = c.OTLPEndpoint
}

// FetchCmd makes content databases ready for the given languages.
type FetchCmd struct {
	Languages []string `arg:"" optional:"" help:"Languages to fetch (default: all)."`
}

func (c *FetchCmd) Run(a *app) error {
	langs := manifestcache.Languages()
	if len(c.Languages) > 0 {
		langs = langs[:0]
		for _, s := range c.Languages {
			lang, err := manifestcache.ParseLanguage(s)
			if err != nil {
				return err
			}
			langs = append(langs, lang)
		}
	}

	var errs []error
	for _, lang := range langs {
		path, err := a.cache.EnsureReady(a.ctx, lang)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Printf("%s\t%s\n", lang, path)
	}
	return errors.Join(errs...)
}

// DecodeCmd prints one definition as JSON.
type DecodeCmd struct {
	Hash  uint32 `arg:"" help:"Definition hash."`
	Table string `arg:"" help:"Definition table, e.g. DestinyInventoryItemDefinition."`
	Lang  string `short:"l" default:"en" help:"Manifest language."`
}

func (c *DecodeCmd) Run(a *app) error {
	lang, err := manifestcache.ParseLanguage(c.Lang)
	if err != nil {
		return err
	}
	rec, err := a.decoder.Decode(a.ctx, c.Hash, c.Table, lang)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, rec)
}

// TablesCmd lists the tables in a language's content database.
type TablesCmd struct {
	Lang string `short:"l" default:"en" help:"Manifest language."`
}

func (c *TablesCmd) Run(a *app) error {
	lang, err := manifestcache.ParseLanguage(c.Lang)
	if err != nil {
		return err
	}
	path, err := a.cache.EnsureReady(a.ctx, lang)
	if err != nil {
		return err
	}
	return contentstore.With(a.ctx, path, func(s *contentstore.Store) error {
		tables, err := s.Tables(a.ctx)
		if err != nil {
			return err
		}
		for _, t := range tables {
			fmt.Println(t)
		}
		return nil
	})
}

// StatusCmd prints the ledger's current entry per language.
type StatusCmd struct{}

func (c *StatusCmd) Run(a *app) error {
	if a.ledger == nil {
		return fmt.Errorf("status requires the ledger")
	}
	entries, err := a.ledger.List(a.ctx)
	if err != nil {
		return err
	}
	superseded, err := a.ledger.Superseded(a.ctx)
	if err != nil {
		return err
	}
	return writeStatus(os.Stdout, entries, superseded, func(file string) bool {
		ok, err := a.backend.Exists(a.ctx, file)
		return err == nil && ok
	})
}

func writeStatus(w io.Writer, entries, superseded []ledger.Entry, present func(string) bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LANGUAGE\tVERSION\tFILE\tDIGEST\tSIZE\tFETCHED\tPRESENT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%t\n",
			e.Language, e.Version, e.File, e.Digest.Short(), e.Size,
			e.FetchedAt.Format(time.RFC3339), present(e.File))
	}
	if len(superseded) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "SUPERSEDED\tVERSION\tFILE")
		for _, e := range superseded {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Language, e.Version, e.File)
		}
	}
	return tw.Flush()
}

// PruneCmd removes superseded content databases.
type PruneCmd struct{}

func (c *PruneCmd) Run(a *app) error {
	removed, err := a.cache.Prune(a.ctx)
	for _, name := range removed {
		fmt.Println(name)
	}
	if err != nil {
		return err
	}
	a.logger.Info("prune complete", "removed", len(removed))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
