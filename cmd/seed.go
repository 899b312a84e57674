package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

type seedFile struct {
	Cities []fleet.CitySeed `yaml:"cities"`
}

func newSeedCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Loads cities into the discovery queue",
		Long: `Reads a YAML file of cities and inserts any that are not queued yet.
The file is either a list of cities or a mapping with a "cities" key; each
city has slug, name, region, country_code and priority.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return runSeed(cmd.Context(), env, file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "cities.yaml", "YAML file of cities")
	return cmd
}

func runSeed(ctx context.Context, env *Env, file string) error {
	data, err := os.ReadFile(file) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	seeds, err := parseSeeds(data)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, env.Config.Store, env.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	inserted, err := store.SeedCities(ctx, seeds)
	if err != nil {
		return fmt.Errorf("seed cities: %w", err)
	}
	env.Logger.Info("cities seeded",
		zap.Int("read", len(seeds)),
		zap.Int("inserted", inserted),
	)
	return nil
}

// parseSeeds accepts a bare list or a {cities: [...]} document and rejects
// rows without a slug or name.
func parseSeeds(data []byte) ([]fleet.CitySeed, error) {
	var seeds []fleet.CitySeed
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		var doc seedFile
		if derr := yaml.Unmarshal(data, &doc); derr != nil {
			return nil, fmt.Errorf("parse seed file: %w", derr)
		}
		seeds = doc.Cities
	}
	if len(seeds) == 0 {
		return nil, errors.New("seed file contains no cities")
	}
	seen := make(map[string]struct{}, len(seeds))
	for i := range seeds {
		s := &seeds[i]
		s.Slug = strings.ToLower(strings.TrimSpace(s.Slug))
		s.Name = strings.TrimSpace(s.Name)
		if s.Slug == "" || s.Name == "" {
			return nil, fmt.Errorf("city %d: slug and name are required", i+1)
		}
		if _, dup := seen[s.Slug]; dup {
			return nil, fmt.Errorf("city %d: duplicate slug %q", i+1, s.Slug)
		}
		seen[s.Slug] = struct{}{}
	}
	return seeds, nil
}
