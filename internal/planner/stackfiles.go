package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StackFileMode is the permission used for written compose files; world
// readable so relative bind mounts under the stack directory work the same
// way whether or not the daemon runs as the same user as this process.
const StackFileMode os.FileMode = 0644

// StackDirMode is the permission used for stack directories.
const StackDirMode os.FileMode = 0755

// ValidateStackName rejects stack names that would escape the stacks
// directory or collide with filesystem special names.
func ValidateStackName(name string) error {
	if name == "" {
		return fmt.Errorf("stack name cannot be empty")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("stack name contains an illegal character")
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("stack name cannot start with '.'")
	}
	return nil
}

// StackDir returns the directory a stack's rendered compose file lives in,
// validating that the result stays under stacksDir.
func StackDir(stacksDir, stackName string) (string, error) {
	if err := ValidateStackName(stackName); err != nil {
		return "", err
	}
	dir := filepath.Join(stacksDir, stackName)
	rel, err := filepath.Rel(filepath.Clean(stacksDir), filepath.Clean(dir))
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("stack path escapes stacks directory")
	}
	return dir, nil
}

// WriteComposeFile writes rendered compose text to the stack's directory and
// returns the compose file path. The directory is created if absent and
// persists afterward so relative bind mounts in the compose file resolve.
func WriteComposeFile(stacksDir, stackName, renderedCompose string) (string, error) {
	dir, err := StackDir(stacksDir, stackName)
	if err != nil {
		return "", fmt.Errorf("invalid stack name: %w", err)
	}
	if err := os.MkdirAll(dir, StackDirMode); err != nil {
		return "", fmt.Errorf("creating stack directory: %w", err)
	}
	path := filepath.Join(dir, "docker-compose.yml")
	if err := os.WriteFile(path, []byte(renderedCompose), StackFileMode); err != nil {
		return "", fmt.Errorf("writing compose file: %w", err)
	}
	return path, nil
}
