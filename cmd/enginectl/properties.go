package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// loadProperties reads a simple key=value config file, one option per
// line, matching the .properties format spec.md §4.6's configuration
// fields are named after (Kafka Connect worker/connector configs).
// Blank lines and lines starting with # are ignored.
func loadProperties(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		idx := strings.Index(text, "=")
		if idx < 0 {
			return nil, fmt.Errorf("%s:%d: expected key=value, got %q", path, line, text)
		}
		key := strings.TrimSpace(text[:idx])
		value := strings.TrimSpace(text[idx+1:])
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return out, nil
}
