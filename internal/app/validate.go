package app

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	recordschema "horse.fit/corrector/schema"
)

type validateResult struct {
	Scanned int
	Valid   int
	Invalid int
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	dir := fs.String("dir", "testdata/records", "Directory containing .json operational record files")
	recursive := fs.Bool("recursive", true, "Recursively scan subdirectories")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	files, err := collectJSONFiles(strings.TrimSpace(*dir), *recursive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation setup failed: %v\n", err)
		return 1
	}

	result := validateResult{}
	for _, path := range files {
		result.Scanned++

		raw, err := os.ReadFile(path)
		if err != nil {
			result.Invalid++
			fmt.Fprintf(os.Stderr, "INVALID %s: read failed: %v\n", path, err)
			continue
		}

		if !json.Valid(raw) {
			result.Invalid++
			fmt.Fprintf(os.Stderr, "INVALID %s: malformed JSON\n", path)
			continue
		}

		if _, err := recordschema.ValidateOperationalRecord(json.RawMessage(raw)); err != nil {
			result.Invalid++
			fmt.Fprintf(os.Stderr, "INVALID %s: %v\n", path, err)
			continue
		}

		result.Valid++
	}

	fmt.Printf("validate scanned=%d valid=%d invalid=%d\n", result.Scanned, result.Valid, result.Invalid)
	if result.Invalid > 0 {
		return 1
	}
	return 0
}

func collectJSONFiles(root string, recursive bool) ([]string, error) {
	if root == "" {
		return nil, fmt.Errorf("directory is required")
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if !recursive && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if strings.EqualFold(filepath.Ext(name), ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Strings(files)
	return files, nil
}
