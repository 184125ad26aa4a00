// Package confgen produces and combines conductor configuration documents.
// A PlayerConfig declares the agents, DNAs, and instances one player needs;
// Render turns it into the TOML document a conductor consumes, and Merge is
// the combinator that folds many players into one combined document with
// every identifier namespace-qualified by player name.
package confgen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Separator joins a player name and an identifier. Player names must not
// contain it, which keeps Qualify injective.
const Separator = "::"

// AgentConfig declares one agent of a player.
type AgentConfig struct {
	ID           string `toml:"id"`
	Name         string `toml:"name"`
	KeystoreFile string `toml:"keystore_file,omitempty"`
}

// DNAConfig declares one DNA available to a player's instances.
type DNAConfig struct {
	ID   string `toml:"id"`
	File string `toml:"file,omitempty"`
	Hash string `toml:"hash,omitempty"`
	UID  string `toml:"uid,omitempty"`
}

// InstanceConfig wires an agent and a DNA into one runnable instance.
type InstanceConfig struct {
	ID    string `toml:"id"`
	Agent string `toml:"agent"`
	DNA   string `toml:"dna"`
}

// PlayerConfig is the configuration document for one player's conductor.
type PlayerConfig struct {
	EnvironmentPath string           `toml:"environment_path,omitempty"`
	AdminPort       uint16           `toml:"admin_port,omitempty"`
	Agents          []AgentConfig    `toml:"agents,omitempty"`
	DNAs            []DNAConfig      `toml:"dnas,omitempty"`
	Instances       []InstanceConfig `toml:"instances,omitempty"`
}

// Render serializes the config to TOML.
func (c PlayerConfig) Render() (string, error) {
	out, err := toml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("confgen: render: %w", err)
	}
	return string(out), nil
}

// Qualify prefixes an identifier with its player name. The separator makes
// the scheme injective across players as long as player names are themselves
// separator-free, which Merge enforces.
func Qualify(player, id string) string {
	return player + Separator + id
}

// Merge folds the configurations of many players into one combined document
// for a single conductor. Every agent, DNA, and instance identifier is
// qualified by its player name so identically-named declarations from
// different players cannot collide. Players are folded in name order, so the
// result is deterministic.
func Merge(players map[string]PlayerConfig) (PlayerConfig, error) {
	names := make([]string, 0, len(players))
	for name := range players {
		if strings.Contains(name, Separator) {
			return PlayerConfig{}, fmt.Errorf("confgen: player name %q contains separator %q", name, Separator)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var merged PlayerConfig
	for _, name := range names {
		cfg := players[name]

		if merged.EnvironmentPath == "" {
			merged.EnvironmentPath = cfg.EnvironmentPath
		}

		for _, a := range cfg.Agents {
			a.ID = Qualify(name, a.ID)
			merged.Agents = append(merged.Agents, a)
		}

		// DNA declarations keep their ids: both players may refer to
		// the same content. Duplicates collapse to the first
		// occurrence.
		for _, d := range cfg.DNAs {
			if !containsDNA(merged.DNAs, d.ID) {
				merged.DNAs = append(merged.DNAs, d)
			}
		}

		for _, inst := range cfg.Instances {
			inst.ID = Qualify(name, inst.ID)
			inst.Agent = Qualify(name, inst.Agent)
			merged.Instances = append(merged.Instances, inst)
		}
	}

	return merged, nil
}

func containsDNA(dnas []DNAConfig, id string) bool {
	for _, d := range dnas {
		if d.ID == id {
			return true
		}
	}
	return false
}
