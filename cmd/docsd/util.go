package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	docs "github.com/i5heu/ouroboros-docs"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/logging"
)

// wrapAt is the column help texts are wrapped at.
const wrapAt = 50

const (
	logKeyNode      = "node"
	logKeyAddr      = "addr"
	logKeyNamespace = "namespace"
	logKeySignal    = "signal"
	logKeyError     = "error"
)

// wrapString wraps text at wrapAt characters.
func wrapString(text string) string {
	var lines []string
	var line strings.Builder
	width := 0
	for _, word := range strings.Fields(text) {
		if width > 0 && width+1+len(word) > wrapAt {
			lines = append(lines, line.String())
			line.Reset()
			width = 0
		}
		if width > 0 {
			line.WriteString(" ")
			width++
		}
		line.WriteString(word)
		width += len(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

// bindFlags makes the flags of cmd readable through viper.
func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func newLogger() (*slog.Logger, error) {
	level, err := logging.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{Level: level}), nil
}

// openNode starts a node on the data directory for a one-shot command.
func openNode(ctx context.Context) (*docs.Node, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	node, err := docs.New(docs.Config{
		DataDir:    viper.GetString("data-dir"),
		ListenAddr: "127.0.0.1:0",
		GCInterval: -1,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if err := node.Start(ctx); err != nil {
		return nil, err
	}
	return node, nil
}

// withNode runs fn against a node opened for one command.
func withNode(cmd *cobra.Command, fn func(ctx context.Context, node *docs.Node) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	node, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = node.CloseWithoutContext() }()
	return fn(ctx, node)
}

// authorFlag resolves the --author flag, falling back to the default
// author.
func authorFlag(ctx context.Context, node *docs.Node) (keys.AuthorID, error) {
	raw := viper.GetString("author")
	if raw == "" {
		return node.Authors().Default(ctx)
	}
	id, err := keys.ParseAuthorID(raw)
	if err != nil {
		return keys.AuthorID{}, fmt.Errorf("author: %w", err)
	}
	return id, nil
}
