// matchdump exports recent match history from PostgreSQL as YAML.
//
// Usage:
//
//	go run ./cmd/matchdump [-config path] [-limit n] [-out path]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/c45bj/server/internal/config"
	"github.com/c45bj/server/internal/persist"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type matchYAML struct {
	ID         int64     `yaml:"id"`
	Lobby      int       `yaml:"lobby"`
	Name1      string    `yaml:"name1"`
	Value1     int       `yaml:"value1"`
	Name2      string    `yaml:"name2"`
	Value2     int       `yaml:"value2"`
	Winner     string    `yaml:"winner"`
	Forced     bool      `yaml:"forced"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
}

type dumpYAML struct {
	Matches []matchYAML `yaml:"matches"`
}

func main() {
	cfgPath := flag.String("config", "config/server.toml", "server config file")
	limit := flag.Int("limit", 100, "max matches to export, newest first")
	outPath := flag.String("out", "", "output file (default stdout)")
	flag.Parse()

	if err := run(*cfgPath, *limit, *outPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath string, limit int, outPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("no database dsn configured in %s", cfgPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := persist.NewDB(ctx, cfg.Database, zap.NewNop())
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := persist.NewMatchRepo(db).ListRecent(ctx, limit)
	if err != nil {
		return err
	}

	dump := dumpYAML{Matches: make([]matchYAML, len(rows))}
	for i, m := range rows {
		dump.Matches[i] = matchYAML{
			ID:         m.ID,
			Lobby:      m.Lobby,
			Name1:      m.Name1,
			Value1:     m.Value1,
			Name2:      m.Name2,
			Value2:     m.Value2,
			Winner:     m.Winner,
			Forced:     m.Forced,
			StartedAt:  m.StartedAt,
			FinishedAt: m.FinishedAt,
		}
	}

	data, err := yaml.Marshal(&dump)
	if err != nil {
		return err
	}
	if outPath == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(outPath, data, 0644)
}
