package cmd

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-cleartext/internal/logger"
	"github.com/23skdu/longbow-cleartext/internal/vectors"
)

// embeddingTable resolves a vectors location to an embedding matrix. An empty location yields
// a random (rows, cols) table. A vocab file reorders and filters the table's rows.
func embeddingTable(ctx context.Context, location, vocabPath string, rows, cols int, seed int64) (*mat.Dense, error) {
	if location == "" {
		return randomTable(seed, rows, cols), nil
	}
	table, err := loadTable(ctx, location)
	if err != nil {
		return nil, err
	}
	if vocabPath == "" {
		return table.Vectors, nil
	}

	words, err := readLines(vocabPath)
	if err != nil {
		return nil, err
	}
	embedding, missing := table.Select(words)
	logger.Log.Info("Built embedding table",
		"vectors", location,
		"vocab", len(words),
		"missing", missing,
		"dim", table.Dim())
	return embedding, nil
}

func loadTable(ctx context.Context, location string) (*vectors.Table, error) {
	src, name, closer, err := tableSource(ctx, location)
	if err != nil {
		return nil, err
	}
	defer closer()
	return src.Fetch(ctx, name)
}

// tableSource maps a location to the source holding it and the name to fetch there:
// flight://host:port/name or a local file path.
func tableSource(ctx context.Context, location string) (vectors.Source, string, func(), error) {
	if !strings.HasPrefix(location, "flight://") {
		return vectors.Files{}, location, func() {}, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, "", nil, err
	}
	port := 0
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, "", nil, fmt.Errorf("flight port %q: %w", p, err)
		}
	}
	client := vectors.NewFlightClient(u.Hostname(), port)
	if err := client.Connect(ctx); err != nil {
		return nil, "", nil, err
	}
	return client, strings.TrimPrefix(u.Path, "/"), func() { client.Close() }, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
