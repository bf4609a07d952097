// Copyright (c) 2025 Veldspire Interactive. All rights reserved.

package relay

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxPathComponentLength is the maximum length allowed for a file-transfer
// path component carried in a FILE_ANNOUNCE command.
const maxPathComponentLength = 255

// ValidatePathComponent checks that name is safe to use as a single path
// component when cmd/lockstep-sim stages a received FILE payload under
// its --download-dir. Guards against path traversal in an
// attacker-controlled file name.
func ValidatePathComponent(name, fieldName string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}

	if len(name) > maxPathComponentLength {
		return fmt.Errorf("%s exceeds max length %d", fieldName, maxPathComponentLength)
	}

	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%s contains path separator", fieldName)
	}

	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%s contains null byte", fieldName)
	}

	if name == "." || name == ".." || strings.HasPrefix(name, "..") {
		return fmt.Errorf("%s contains path traversal", fieldName)
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%s starts with dot", fieldName)
	}

	return nil
}

// ValidatePathInBaseDir verifies that resolvedPath stays within baseDir,
// defense in depth beyond ValidatePathComponent alone.
func ValidatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}

	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}

	return nil
}
