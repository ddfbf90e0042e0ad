package store

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/ring"
)

// ParseFleet reads "name host port" lines. Blank lines and lines starting
// with # are skipped. Loopback hosts are rewritten to localHost so remote
// nodes can reach the addresses published in the ring. Duplicate names are
// skipped with a warning.
func ParseFleet(r io.Reader, localHost string, logger *zap.Logger) ([]ring.Node, error) {
	var nodes []ring.Node
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("fleet line %d: expected \"name host port\", got %q", line, text)
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("fleet line %d: invalid port %q", line, fields[2])
		}
		host := fields[1]
		if localHost != "" && (host == "localhost" || host == "127.0.0.1") {
			host = localHost
		}
		if seen[fields[0]] {
			logger.Warn("Skipping duplicate fleet entry",
				zap.String("name", fields[0]),
				zap.Int("line", line))
			continue
		}
		seen[fields[0]] = true
		nodes = append(nodes, ring.Node{Name: fields[0], Host: host, Port: port})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fleet config: %w", err)
	}
	return nodes, nil
}

// LoadFleetFile parses the fleet config at path
func LoadFleetFile(path, localHost string, logger *zap.Logger) ([]ring.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fleet config: %w", err)
	}
	defer f.Close()
	return ParseFleet(f, localHost, logger)
}
