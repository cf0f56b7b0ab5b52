package config

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/latticeforge/evgen/pkg/seed"
)

// EndOfData terminates a legacy parameter file; anything after it is ignored.
const EndOfData = "EndOfData"

// ReadLegacy reads "key value" lines into cfg. Lines starting with '#' and
// blank lines are skipped. Recognised keys update the typed configuration;
// every pair, recognised or not, is kept in cfg.Parameters.
func ReadLegacy(r io.Reader, cfg *RunConfig) error {
	if cfg.Parameters == nil {
		cfg.Parameters = map[string]string{}
	}

	var useSeedList, useTimeForSeed bool

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if fields[0] == EndOfData {
			break
		}
		if len(fields) < 2 {
			return fmt.Errorf("line %d: key %q has no value", lineNo, fields[0])
		}

		key, value := fields[0], fields[1]
		cfg.Parameters[key] = value

		var err error
		switch key {
		case "seed":
			cfg.Seed.Value, err = strconv.ParseUint(value, 10, 64)
		case "useSeedList":
			useSeedList, err = legacyFlag(value)
		case "useTimeForSeed":
			useTimeForSeed, err = legacyFlag(value)
		case "seedList":
			cfg.Seed.ListPath = value
		case "size":
			cfg.Lattice.Size, err = strconv.Atoi(value)
		case "Nc":
			cfg.Lattice.GroupOrder, err = strconv.Atoi(value)
		case "L":
			cfg.Lattice.Length, err = strconv.ParseFloat(value, 64)
		case "maxLatticeBytes":
			cfg.Lattice.MaxBytes, err = strconv.ParseInt(value, 10, 64)
		case "Target":
			cfg.Collision.Target = value
		case "Projectile":
			cfg.Collision.Projectile = value
		case "SigmaNN":
			cfg.Collision.SigmaNN, err = strconv.ParseFloat(value, 64)
		case "bmin":
			cfg.Collision.BMin, err = strconv.ParseFloat(value, 64)
		case "bmax":
			cfg.Collision.BMax, err = strconv.ParseFloat(value, 64)
		case "readMultFromFile":
			cfg.Initial.ReadFromFile, err = legacyFlag(value)
		case "maxAttempts":
			cfg.Initial.MaxAttempts, err = strconv.Atoi(value)
		case "maxtime":
			cfg.Evolution.MaxTime, err = strconv.ParseFloat(value, 64)
		case "dtau":
			cfg.Evolution.Dtau, err = strconv.ParseFloat(value, 64)
		case "writeOutputsToHDF5":
			cfg.Export.Enabled, err = legacyFlag(value)
		case "workers":
			cfg.Parallel.Workers, err = strconv.Atoi(value)
		}
		if err != nil {
			return fmt.Errorf("line %d: invalid value %q for %s: %w", lineNo, value, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read parameters: %w", err)
	}

	// The list flag wins over the time flag.
	switch {
	case useSeedList:
		cfg.Seed.Mode = seed.ModeList
	case useTimeForSeed:
		cfg.Seed.Mode = seed.ModeTime
	default:
		cfg.Seed.Mode = seed.ModeDirect
	}
	return nil
}

// legacyFlag parses integer flags where any non-zero value is true.
func legacyFlag(value string) (bool, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// Entry is one line of the used-parameter dump.
type Entry struct {
	Key   string
	Value string
}

// UsedParameters lists the effective parameters in the order they are written
// to the per-event audit file: the typed settings first, then any remaining
// pass-through parameters sorted by key.
func (c *RunConfig) UsedParameters() []Entry {
	entries := []Entry{
		{"Nc", strconv.Itoa(c.Lattice.GroupOrder)},
		{"size", strconv.Itoa(c.Lattice.Size)},
		{"lattice spacing a", strconv.FormatFloat(c.Lattice.Spacing(), 'g', -1, 64) + " fm"},
		{"Projectile", c.Collision.Projectile},
		{"Target", c.Collision.Target},
		{"SigmaNN", strconv.FormatFloat(c.Collision.SigmaNN, 'g', -1, 64)},
		{"bmin", strconv.FormatFloat(c.Collision.BMin, 'g', -1, 64)},
		{"bmax", strconv.FormatFloat(c.Collision.BMax, 'g', -1, 64)},
		{"maxtime", strconv.FormatFloat(c.Evolution.MaxTime, 'g', -1, 64)},
		{"dtau", strconv.FormatFloat(c.Evolution.Dtau, 'g', -1, 64)},
		{"seed mode", string(c.Seed.Mode)},
		{"kernel", c.Kernel.Kind},
	}

	typed := map[string]bool{
		"Nc": true, "size": true, "L": true, "Target": true, "Projectile": true,
		"SigmaNN": true, "bmin": true, "bmax": true, "maxtime": true, "dtau": true,
	}

	keys := make([]string, 0, len(c.Parameters))
	for k := range c.Parameters {
		if !typed[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		entries = append(entries, Entry{k, c.Parameters[k]})
	}
	return entries
}
