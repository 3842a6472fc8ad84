// Command marginalia annotates XHTML documents from the command line and
// serves the annotation API.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/marginalia/core/codec"
	"github.com/FocuswithJustin/marginalia/core/document"
	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/snapshot"
	"github.com/FocuswithJustin/marginalia/core/sqlite"
	"github.com/FocuswithJustin/marginalia/internal/api"
	"github.com/FocuswithJustin/marginalia/internal/logging"
	"github.com/FocuswithJustin/marginalia/internal/workspace"
)

const version = "0.1.0"

// Globals are the flags shared by every command.
type Globals struct {
	DB          string `name:"db" help:"SQLite database path" default:"marginalia.db" env:"MARGINALIA_DB" type:"path"`
	SnapshotDir string `name:"snapshot-dir" help:"Also keep every revision in this content-addressed store" env:"MARGINALIA_SNAPSHOT_DIR" type:"path"`
	Compression string `help:"Snapshot compression (none, xz, zstd, lz4)" default:"xz" env:"MARGINALIA_COMPRESSION"`
	LogLevel    string `name:"log-level" help:"Log level (debug, info, warn, error)" default:"info" env:"MARGINALIA_LOG_LEVEL"`
	LogFormat   string `name:"log-format" help:"Log format (text, json)" default:"text" env:"MARGINALIA_LOG_FORMAT"`

	out io.Writer `kong:"-"`
}

// CLI defines the command-line interface for marginalia.
type CLI struct {
	Globals

	Doc            DocGroup          `cmd:"" help:"Document operations (import, list, show, delete)"`
	Annotate       AnnotateCmd       `cmd:"" help:"Apply a component over an address"`
	Unannotate     UnannotateCmd     `cmd:"" help:"Remove annotation kinds over an address"`
	Payload        PayloadGroup      `cmd:"" help:"Edit or remove stored payloads"`
	List           ListCmd           `cmd:"" help:"List annotated runs and payloads"`
	Render         RenderCmd         `cmd:"" help:"Print the annotated markup"`
	Export         ExportCmd         `cmd:"" help:"Write snapshot envelopes"`
	ImportSnapshot ImportSnapshotCmd `cmd:"" name:"import-snapshot" help:"Replace annotations from a snapshot"`
	Inspect        InspectCmd        `cmd:"" help:"Decode a snapshot or raw state file"`
	Serve          ServeCmd          `cmd:"" help:"Start the REST API server"`
	Version        VersionCmd        `cmd:"" help:"Print version information"`
}

// DocGroup contains document lifecycle operations.
type DocGroup struct {
	Import DocImportCmd `cmd:"" help:"Import an XHTML document"`
	List   DocListCmd   `cmd:"" help:"List documents"`
	Show   DocShowCmd   `cmd:"" help:"Show a document and its revisions"`
	Delete DocDeleteCmd `cmd:"" help:"Delete a document and its revisions"`
}

// PayloadGroup contains payload operations.
type PayloadGroup struct {
	Update PayloadUpdateCmd `cmd:"" help:"Replace a payload's data"`
	Remove PayloadRemoveCmd `cmd:"" help:"Remove a payload and its annotation everywhere"`
}

func (g *Globals) open(ctx context.Context) (*workspace.Workspace, error) {
	opts, err := g.snapshotOptions()
	if err != nil {
		return nil, err
	}
	return workspace.Open(ctx, workspace.Options{
		DBPath:      g.DB,
		SnapshotDir: g.SnapshotDir,
		Snapshot:    opts,
		Logger:      logging.Default(),
	})
}

func (g *Globals) snapshotOptions() (snapshot.Options, error) {
	c, err := snapshot.ParseCompression(g.Compression)
	if err != nil {
		return snapshot.Options{}, err
	}
	return snapshot.Options{Compression: c}, nil
}

func (g *Globals) printf(format string, args ...any) {
	fmt.Fprintf(g.out, format, args...)
}

func (g *Globals) printJSON(v any) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// DocImportCmd imports an XHTML document.
type DocImportCmd struct {
	Path     string `arg:"" help:"XHTML file to import" type:"existingfile"`
	Name     string `help:"Document name (defaults to the file name)"`
	Selector string `help:"XPath selecting the annotatable containers (default //body)"`
}

func (c *DocImportCmd) Run(ctx context.Context, g *Globals) error {
	src, err := os.ReadFile(c.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.Path, err)
	}
	name := c.Name
	if name == "" {
		name = c.Path[strings.LastIndexAny(c.Path, `/\`)+1:]
	}

	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	doc, err := ws.Import(ctx, name, src, c.Selector)
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", c.Path, err)
	}
	g.printf("Imported: %s\n", c.Path)
	g.printf("  ID: %s\n", doc.ID)
	g.printf("  Name: %s\n", doc.Name)
	return nil
}

// DocListCmd lists documents.
type DocListCmd struct {
	JSON bool `name:"json" help:"Print JSON"`
}

func (c *DocListCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	docs, err := ws.Documents(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return g.printJSON(docs)
	}
	if len(docs) == 0 {
		g.printf("No documents.\n")
		return nil
	}
	tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUPDATED")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Name, d.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// DocShowCmd shows a document and its revisions.
type DocShowCmd struct {
	ID string `arg:"" help:"Document ID"`
}

func (c *DocShowCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	doc, err := ws.Document(ctx, c.ID)
	if err != nil {
		return err
	}
	revs, err := ws.Revisions(ctx, c.ID)
	if err != nil {
		return err
	}
	g.printf("ID: %s\n", doc.ID)
	g.printf("Name: %s\n", doc.Name)
	if doc.Selector != "" {
		g.printf("Selector: %s\n", doc.Selector)
	}
	g.printf("Source: %d bytes\n", len(doc.Source))
	g.printf("Created: %s\n", doc.CreatedAt.Format(time.RFC3339))
	g.printf("Revisions: %d\n", len(revs))
	for _, r := range revs {
		g.printf("  %s  %s  %d bytes\n", r.CreatedAt.Format(time.RFC3339), r.Hash[:16], r.Size)
	}
	return nil
}

// DocDeleteCmd deletes a document.
type DocDeleteCmd struct {
	ID string `arg:"" help:"Document ID"`
}

func (c *DocDeleteCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.Delete(ctx, c.ID); err != nil {
		return err
	}
	g.printf("Deleted: %s\n", c.ID)
	return nil
}

// AnnotateCmd applies a component.
type AnnotateCmd struct {
	ID        string `arg:"" help:"Document ID"`
	Component string `arg:"" help:"Component (highlight, underline, italicize, note, list)"`
	Address   string `arg:"" optional:"" help:"Address such as 0:2-1:5 (not needed for list)"`
	Payload   string `help:"Component data: highlight colour or note text"`
}

func (c *AnnotateCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	var payload []byte
	if c.Payload != "" {
		payload = []byte(c.Payload)
	}
	res, err := ws.Apply(ctx, c.ID, c.Component, c.Address, payload)
	if err != nil {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(c.Component), "list") {
		return printRuns(g, res.Runs)
	}
	verb := "Removed"
	if res.Added {
		verb = "Applied"
	}
	if res.Payload != nil && !res.Added {
		verb = "Updated"
	}
	g.printf("%s %s over %s\n", verb, c.Component, c.Address)
	if res.Payload != nil {
		g.printf("  Payload: %d\n", *res.Payload)
	}
	return nil
}

// UnannotateCmd removes kinds over an address.
type UnannotateCmd struct {
	ID      string   `arg:"" help:"Document ID"`
	Address string   `arg:"" help:"Address such as 0:2-1:5"`
	Kind    []string `required:"" short:"k" help:"Kind to remove (repeatable)"`
	Resplit bool     `help:"Keep the address boundaries as segment boundaries"`
}

func (c *UnannotateCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.Unannotate(ctx, c.ID, c.Address, c.Kind, c.Resplit); err != nil {
		return err
	}
	g.printf("Removed %s over %s\n", strings.Join(c.Kind, ", "), c.Address)
	return nil
}

// PayloadUpdateCmd replaces a payload.
type PayloadUpdateCmd struct {
	ID      string `arg:"" help:"Document ID"`
	Payload uint32 `arg:"" help:"Payload ID"`
	Data    string `arg:"" help:"New data"`
}

func (c *PayloadUpdateCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.UpdatePayload(ctx, c.ID, flags.PayloadID(c.Payload), []byte(c.Data)); err != nil {
		return err
	}
	g.printf("Updated payload %d\n", c.Payload)
	return nil
}

// PayloadRemoveCmd removes a payload.
type PayloadRemoveCmd struct {
	ID      string `arg:"" help:"Document ID"`
	Payload uint32 `arg:"" help:"Payload ID"`
}

func (c *PayloadRemoveCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.RemovePayload(ctx, c.ID, flags.PayloadID(c.Payload)); err != nil {
		return err
	}
	g.printf("Removed payload %d\n", c.Payload)
	return nil
}

// ListCmd lists annotated runs.
type ListCmd struct {
	ID   string `arg:"" help:"Document ID"`
	JSON bool   `name:"json" help:"Print JSON"`
}

func (c *ListCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	runs, payloads, err := ws.List(ctx, c.ID)
	if err != nil {
		return err
	}
	if c.JSON {
		return g.printJSON(map[string]any{"runs": runs, "payloads": payloads})
	}
	if err := printRuns(g, runs); err != nil {
		return err
	}
	for _, p := range payloads {
		g.printf("payload %d (%s): %s\n", p.ID, p.Kind, strconv.Quote(p.Payload))
	}
	return nil
}

func printRuns(g *Globals, runs []document.Run) error {
	if len(runs) == 0 {
		g.printf("No annotations.\n")
		return nil
	}
	tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tKINDS\tTEXT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d:%d-%d\t%s\t%s\n", r.Block, r.Offset, r.Offset+r.Length, strings.Join(r.Kinds, ","), strconv.Quote(r.Text))
	}
	return tw.Flush()
}

// RenderCmd prints the annotated markup.
type RenderCmd struct {
	ID  string `arg:"" help:"Document ID"`
	Out string `short:"o" help:"Write to this file instead of stdout" type:"path"`
}

func (c *RenderCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	out, err := ws.Render(ctx, c.ID)
	if err != nil {
		return err
	}
	if c.Out != "" {
		return os.WriteFile(c.Out, []byte(out), 0644)
	}
	g.printf("%s\n", out)
	return nil
}

// ExportCmd writes snapshot envelopes.
type ExportCmd struct {
	ID  string `arg:"" optional:"" help:"Document ID (omit with --all)"`
	All bool   `help:"Export every document into --dir"`
	Out string `short:"o" help:"Output file for a single document" type:"path"`
	Dir string `help:"Output directory for --all" default:"." type:"path"`
}

func (c *ExportCmd) Run(ctx context.Context, g *Globals) error {
	if c.All == (c.ID != "") {
		return fmt.Errorf("give either a document ID or --all")
	}
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	if c.All {
		results, err := ws.ExportAll(ctx, c.Dir)
		if err != nil {
			return err
		}
		for _, r := range results {
			g.printf("%s  %s\n", r.Hash[:16], r.Path)
		}
		g.printf("Exported %d documents\n", len(results))
		return nil
	}

	data, err := ws.Export(ctx, c.ID)
	if err != nil {
		return err
	}
	out := c.Out
	if out == "" {
		out = c.ID + ".mgsn"
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	g.printf("Exported: %s\n", out)
	g.printf("  BLAKE3: %s\n", snapshot.Hash(data))
	g.printf("  Size: %d bytes\n", len(data))
	return nil
}

// ImportSnapshotCmd replaces a document's annotations.
type ImportSnapshotCmd struct {
	ID   string `arg:"" help:"Document ID"`
	Path string `arg:"" help:"Snapshot file" type:"existingfile"`
}

func (c *ImportSnapshotCmd) Run(ctx context.Context, g *Globals) error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.Path, err)
	}
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	rev, err := ws.ImportSnapshot(ctx, c.ID, data)
	if err != nil {
		return err
	}
	g.printf("Imported snapshot into %s\n", c.ID)
	g.printf("  Revision: %s\n", rev.Hash)
	return nil
}

// InspectCmd decodes a state file without touching the database.
type InspectCmd struct {
	Path string `arg:"" help:"Snapshot envelope or raw codec file" type:"existingfile"`
}

// inspection is what inspect prints.
type inspection struct {
	Format      string          `json:"format"`
	Compression string          `json:"compression,omitempty"`
	RawSize     uint32          `json:"raw_size,omitempty"`
	Digest      string          `json:"blake3,omitempty"`
	State       codec.SaveState `json:"state"`
}

func (c *InspectCmd) Run(g *Globals) error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.Path, err)
	}

	var out inspection
	if bytes.HasPrefix(data, []byte(snapshot.Magic)) {
		h, err := snapshot.Inspect(data)
		if err != nil {
			return err
		}
		if out.State, err = snapshot.Decode(data); err != nil {
			return err
		}
		out.Format = "snapshot"
		out.Compression = h.Compression.String()
		out.RawSize = h.RawSize
		out.Digest = hex.EncodeToString(h.Digest[:])
	} else {
		if out.State, err = codec.Unmarshal(data); err != nil {
			return err
		}
		out.Format = "raw"
	}
	return g.printJSON(out)
}

// ServeCmd starts the REST API server.
type ServeCmd struct {
	Port          int      `help:"HTTP server port" default:"8080" env:"MARGINALIA_PORT"`
	AllowedOrigin []string `name:"allowed-origin" help:"Allowed CORS and websocket origin (repeatable)"`
	RateLimit     int      `name:"rate-limit" help:"Requests per minute per client (0 disables)" default:"600"`
	Burst         int      `help:"Rate limit burst size" default:"20"`
	APIKey        string   `name:"api-key" help:"Require this X-API-Key on API requests" env:"MARGINALIA_API_KEY"`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	ws, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	cfg := api.DefaultConfig()
	cfg.Port = c.Port
	cfg.AllowedOrigins = c.AllowedOrigin
	cfg.RateLimitRequests = c.RateLimit
	cfg.RateLimitBurst = c.Burst
	cfg.Auth = api.AuthConfig{Enabled: c.APIKey != "", APIKey: c.APIKey}
	cfg.Version = version

	srv, err := api.New(cfg, ws)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	g.printf("marginalia version %s (sqlite driver %s)\n", version, sqlite.DriverType())
	return nil
}

// run parses args and executes the selected command.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("marginalia"),
		kong.Description("Annotate XHTML documents with highlights, underlines and notes"),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Bind(&cli.Globals),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cli.LogLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cli.LogFormat)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: level, Format: format, Output: stderr})

	cli.out = stdout
	return kctx.Run()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "marginalia: %v\n", err)
		stop()
		os.Exit(1)
	}
}
