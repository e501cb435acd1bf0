package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"lexrt/pkg/protocol"
	"lexrt/pkg/stream"
)

// summarizeConfig holds flags for the summarize command.
type summarizeConfig struct {
	title    string
	language string
	tags     []string
}

// newSummarizeCmd creates the "lexrt summarize" subcommand.
func newSummarizeCmd(g *globalFlags) *cobra.Command {
	var sc summarizeConfig

	cmd := &cobra.Command{
		Use:   "summarize <file>",
		Short: "Upload a document and print its summary",
		Long:  "Uploads the file to the event server, follows summarization progress\non the summary channel and prints the result.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := sc.metadata()
			if err != nil {
				return err
			}

			env, err := loadEnv(cmd, g)
			if err != nil {
				return err
			}
			cl, cleanup, err := env.newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open document: %w", err)
			}
			defer f.Close()

			w := cmd.OutOrStdout()
			var (
				mu   sync.Mutex
				last = map[string]int{}
			)
			cancel := cl.Subscribe(func(s stream.Session) {
				if s.Kind != stream.KindSummarization || s.Status != stream.StatusStreaming {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if p, seen := last[s.ID]; seen && p == s.Progress {
					return
				}
				last[s.ID] = s.Progress
				fmt.Fprintf(w, "progress %3d%%\n", s.Progress)
			})
			defer cancel()

			id, err := cl.Summarize(cmd.Context(), filepath.Base(args[0]), f, meta)
			if err != nil {
				return err
			}
			sess, err := cl.Wait(cmd.Context(), id)
			if err != nil {
				return err
			}
			if sess.Status == stream.StatusFailed {
				return fmt.Errorf("summarization %s failed: %s", id, sess.Error)
			}
			fmt.Fprintln(w, sess.Content)
			return nil
		},
	}

	cmd.Flags().StringVar(&sc.title, "title", "", "document title")
	cmd.Flags().StringVar(&sc.language, "language", "", "document language")
	cmd.Flags().StringSliceVar(&sc.tags, "tag", nil, "metadata tag as key=value (repeatable)")

	return cmd
}

func (sc summarizeConfig) metadata() (protocol.UploadMetadata, error) {
	meta := protocol.UploadMetadata{Title: sc.title, Language: sc.language}
	for _, t := range sc.tags {
		k, v, ok := strings.Cut(t, "=")
		if !ok || k == "" {
			return protocol.UploadMetadata{}, fmt.Errorf("invalid --tag %q: want key=value", t)
		}
		if meta.Tags == nil {
			meta.Tags = make(map[string]string)
		}
		meta.Tags[k] = v
	}
	return meta, nil
}
