/*
Purpose:
- OSMChange generation

Description:
- Reads new/modified/deleted feature tables from a PostGIS database and an
  existing OSM PBF extract, and writes one OSMChange document per table.

Releases:
- v0.1.0 - initial release

Copyright and license:
- Copyright (c) 2019 Klaus Tockloth
- MIT license

Permission is hereby granted, free of charge, to any person obtaining a copy of this software
and associated documentation files (the Software), to deal in the Software without restriction,
including without limitation the rights to use, copy, modify, merge, publish, distribute,
sublicense, and/or sell copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all copies or
substantial portions of the Software.

The software is provided 'as is', without warranty of any kind, express or implied, including
but not limited to the warranties of merchantability, fitness for a particular purpose and
noninfringement. In no event shall the authors or copyright holders be liable for any claim,
damages or other liability, whether in an action of contract, tort or otherwise, arising from,
out of or in connection with the software or the use or other dealings in the software.
*/

package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/trailbehind/changegen/internal/config"
	"github.com/trailbehind/changegen/internal/orchestrator"
	"github.com/trailbehind/changegen/internal/spatialdb"
)

func init() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.Printf("config: %+v", cfg)
	}

	db, err := spatialdb.Open(spatialdb.ConnParams{
		DBName: cfg.DBName,
		Port:   cfg.DBPort,
		User:   cfg.DBUser,
		Host:   cfg.DBHost,
		Pass:   cfg.DBPass,
	})
	if err != nil {
		log.Fatalf("spatialdb: %v", err)
	}
	defer db.Close()

	orch, err := orchestrator.New(cfg, db)
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}

	ctx := context.Background()

	tables, err := discoverTables(ctx, db, cfg.Suffixes)
	if err != nil {
		log.Fatalf("orchestrator: discovering tables: %v", err)
	}

	for _, table := range tables {
		log.Printf("processing table %s", table)
		if err := orch.Run(ctx, table); err != nil {
			log.Fatalf("orchestrator: running %s: %v", table, err)
		}
	}

	for _, table := range cfg.Deletions {
		log.Printf("processing deletions-only table %s", table)
		if err := orch.RunDeletionsOnly(ctx, table, "osm_id", false); err != nil {
			log.Fatalf("orchestrator: running deletions for %s: %v", table, err)
		}
	}
}

// discoverTables lists every table whose name ends with one of the
// configured suffixes, mirroring __main__.py's _get_db_tables.
func discoverTables(ctx context.Context, db *spatialdb.DataSource, suffixes []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, suffix := range suffixes {
		names, err := db.Layers(ctx, suffix)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if !strings.HasSuffix(n, suffix) {
				continue
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out, nil
}
