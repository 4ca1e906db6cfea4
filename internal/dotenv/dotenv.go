// Package dotenv loads .env files into the process environment without
// overriding variables that are already set.
package dotenv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// DefaultMaxLevels bounds the ancestor walk in LoadFromAncestors.
const DefaultMaxLevels = 6

// LoadFile loads KEY=VALUE pairs from a dotenv-style file into the process
// environment. Existing environment variables are preserved and a missing
// file is not an error.
func LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// LoadFromAncestors loads the first .env found in start or up to maxLevels
// of its parents. It returns the loaded path, or "" when none was found.
func LoadFromAncestors(start string, maxLevels int) (string, error) {
	if maxLevels < 0 {
		maxLevels = DefaultMaxLevels
	}
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", start, err)
	}
	for i := 0; i <= maxLevels; i++ {
		p := filepath.Join(dir, ".env")
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, LoadFile(p)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}
