// Package config parses changegen's CLI options and environment-variable
// defaults into a validated Config, and expresses the
// --modify_meta/--existing mutual exclusion the original enforced via a
// custom click.Option subclass (NotRequiredIf).
//
// Flag layout is grounded on WoozyMasta-tv4p-road-tool's use of
// jessevdk/go-flags: repeatable slice flags via `long:"..."` tags and a
// trailing positional-argument struct.
package config

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
)

// MaxNodesUnlimited is the sentinel the --max_nodes_per_way flag accepts
// as the literal string "none".
const MaxNodesUnlimited = -1

const defaultMaxNodesPerWay = 2000

// Options is the raw, go-flags-bound command line surface. Positional
// arguments (dbname, dbport, dbuser, dbhost, dbpass) default from the
// standard libpq environment variables, matching
// original_source/changegen/__main__.py.
type Options struct {
	Debug           bool     `short:"d" long:"debug" description:"enable verbose logging"`
	Suffix          []string `short:"s" long:"suffix" default:"_new" description:"table-name suffix identifying a 'new features' table"`
	Deletions       []string `long:"deletions" description:"table name to treat as a deletions-only source"`
	Existing        []string `short:"e" long:"existing" description:"existing layer name to compute intersections against"`
	OutDir          string   `short:"o" long:"outdir" default:"." description:"output directory for generated .osc files"`
	Compress        bool     `long:"compress" description:"gzip-compress output files"`
	NegID           bool     `long:"neg_id" description:"allocate ids in descending (negative) order"`
	IDOffset        int64    `long:"id_offset" default:"0" description:"starting id offset for the allocator"`
	NoCollisions    bool     `long:"no_collisions" description:"abort if id_offset collides with an id already present in osmsrc"`
	Self            bool     `long:"self" description:"include self-intersections in the intersection index"`
	MaxNodesPerWay  string   `long:"max_nodes_per_way" default:"2000" description:"maximum nodes per emitted way, or 'none' for unlimited"`
	HstoreTags      string   `long:"hstore_tags" description:"name of an hstore column to merge into feature tags"`
	ModifyMeta      bool     `long:"modify_meta" description:"modify-only mode: update tags on existing primitives, never geometry"`
	OsmSrc          string   `long:"osmsrc" required:"true" description:"path to the existing-data OSM PBF extract"`
	ShortMemberType bool     `long:"short_member_type" description:"spell relation member types as w/n/r instead of way/node/relation"`

	Args struct {
		DBName string `positional-arg-name:"dbname"`
		DBPort string `positional-arg-name:"dbport"`
		DBUser string `positional-arg-name:"dbuser"`
		DBHost string `positional-arg-name:"dbhost"`
		DBPass string `positional-arg-name:"dbpass"`
	} `positional-args:"yes"`
}

// Config is the validated, typed configuration the orchestrator consumes.
type Config struct {
	Debug          bool
	Suffixes       []string
	Deletions      []string
	Existing       []string
	OutDir         string
	Compress       bool
	NegID          bool
	IDOffset       int64
	NoCollisions   bool
	Self           bool
	MaxNodesPerWay int // MaxNodesUnlimited for "none"
	HstoreTags     string
	ModifyMeta     bool
	OsmSrc         string
	ShortMemberType bool

	DBName string
	DBPort string
	DBUser string
	DBHost string
	DBPass string
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Parse parses argv (excluding the program name) into a validated Config.
func Parse(argv []string) (*Config, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(argv); err != nil {
		return nil, err
	}

	if opts.Args.DBName == "" {
		opts.Args.DBName = envDefault("PGDATABASE", "")
	}
	if opts.Args.DBPort == "" {
		opts.Args.DBPort = envDefault("PGPORT", "5432")
	}
	if opts.Args.DBUser == "" {
		opts.Args.DBUser = envDefault("PGUSER", "")
	}
	if opts.Args.DBHost == "" {
		opts.Args.DBHost = envDefault("PGHOST", "localhost")
	}
	if opts.Args.DBPass == "" {
		opts.Args.DBPass = envDefault("PGPASSWORD", "")
	}

	cfg := &Config{
		Debug:           opts.Debug,
		Suffixes:        opts.Suffix,
		Deletions:       opts.Deletions,
		Existing:        opts.Existing,
		OutDir:          opts.OutDir,
		Compress:        opts.Compress,
		NegID:           opts.NegID,
		IDOffset:        opts.IDOffset,
		NoCollisions:    opts.NoCollisions,
		Self:            opts.Self,
		HstoreTags:      opts.HstoreTags,
		ModifyMeta:      opts.ModifyMeta,
		OsmSrc:          opts.OsmSrc,
		ShortMemberType: opts.ShortMemberType,
		DBName:          opts.Args.DBName,
		DBPort:          opts.Args.DBPort,
		DBUser:          opts.Args.DBUser,
		DBHost:          opts.Args.DBHost,
		DBPass:          opts.Args.DBPass,
	}

	if opts.MaxNodesPerWay == "none" {
		cfg.MaxNodesPerWay = MaxNodesUnlimited
	} else {
		n := defaultMaxNodesPerWay
		if opts.MaxNodesPerWay != "" {
			if _, err := fmt.Sscanf(opts.MaxNodesPerWay, "%d", &n); err != nil {
				return nil, fmt.Errorf("config: invalid --max_nodes_per_way %q: %w", opts.MaxNodesPerWay, err)
			}
		}
		cfg.MaxNodesPerWay = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the configuration-fatal rules from spec.md §7,
// including the --modify_meta/--existing mutual exclusion the original
// expressed via util.NotRequiredIf.
func (c *Config) Validate() error {
	if c.ModifyMeta && len(c.Existing) > 0 {
		return fmt.Errorf("config: --modify_meta is incompatible with --existing")
	}
	if c.OsmSrc == "" {
		return fmt.Errorf("config: --osmsrc is required")
	}
	if c.MaxNodesPerWay != MaxNodesUnlimited && c.MaxNodesPerWay <= 0 {
		return fmt.Errorf("config: --max_nodes_per_way must be positive or 'none'")
	}
	if c.IDOffset < 0 {
		return fmt.Errorf("config: --id_offset must be >= 0")
	}
	return nil
}
