package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-cleartext/internal/logger"
	"github.com/23skdu/longbow-cleartext/internal/vectors"
)

var serveVectorsCmd = &cobra.Command{
	Use:   "serve-vectors",
	Short: "Publish pretrained vector tables over Arrow Flight",
	Long: `Load vector tables and serve them over Arrow Flight so that forward can fetch them
with --src-vectors flight://host:port/name.

Example:
  cleartext serve-vectors --addr 0.0.0.0:3000 --table glove=glove.6B.50d.txt`,
	RunE: runServeVectors,
}

func init() {
	rootCmd.AddCommand(serveVectorsCmd)
	f := serveVectorsCmd.Flags()
	f.String("addr", fmt.Sprintf("localhost:%d", vectors.DefaultPort), "listen address")
	f.StringArray("table", nil, "name=path of a GloVe text or .arrow table (repeatable)")
	mustBindPFlag("vectors.addr", f.Lookup("addr"))
}

func runServeVectors(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tables, _ := cmd.Flags().GetStringArray("table")
	if len(tables) == 0 {
		return fmt.Errorf("at least one --table name=path is required")
	}
	svc := vectors.NewService()
	for _, entry := range tables {
		name, path, ok := strings.Cut(entry, "=")
		if !ok || name == "" || path == "" {
			return fmt.Errorf("--table %q: want name=path", entry)
		}
		t, err := loadTable(ctx, path)
		if err != nil {
			return fmt.Errorf("--table %s: %w", name, err)
		}
		svc.Put(name, t)
		logger.Log.Info("Loaded vector table", "name", name, "words", t.Len(), "dim", t.Dim())
	}

	server, err := vectors.Serve(viper.GetString("vectors.addr"), svc)
	if err != nil {
		return err
	}
	<-ctx.Done()
	logger.Log.Info("Interrupt received, shutting down")
	server.Shutdown()
	return nil
}
