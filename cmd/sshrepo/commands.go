package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/igorlabworks/terraform-provider-sshrepo/internal/repository"
)

func (c *cli) newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <source> <local-file>",
		Short: "Download an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, repo repository.Repository) error {
				return repo.Get(ctx, args[0], args[1])
			})
		},
	}
}

func (c *cli) newPutCmd() *cobra.Command {
	var noOverwrite bool

	cmd := &cobra.Command{
		Use:   "put <local-file> <destination>",
		Short: "Publish an artifact, creating missing remote directories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, repo repository.Repository) error {
				return repo.Put(ctx, args[0], args[1], !noOverwrite)
			})
		},
	}
	cmd.Flags().BoolVar(&noOverwrite, "no-overwrite", false, "Fail when the destination already exists")
	return cmd
}

func (c *cli) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls <directory>",
		Aliases: []string{"list"},
		Short:   "List a remote directory",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, repo repository.Repository) error {
				entries, err := repo.List(ctx, args[0])
				if err != nil {
					return err
				}
				if entries == nil {
					return fmt.Errorf("cannot list %s", args[0])
				}
				for _, e := range entries {
					fmt.Fprintln(cmd.OutOrStdout(), e)
				}
				return nil
			})
		},
	}
}

func (c *cli) newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <source>",
		Short: "Show whether an artifact exists, its size and modification time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, repo repository.Repository) error {
				res, err := repo.ResolveResource(ctx, args[0])
				if err != nil {
					return err
				}
				meta, err := res.Metadata(ctx)
				if err != nil {
					return err
				}
				printMetadata(cmd.OutOrStdout(), res.Name(), meta)
				return nil
			})
		},
	}
}

func printMetadata(w io.Writer, name string, meta repository.Metadata) {
	fmt.Fprintf(w, "name:          %s\n", name)
	fmt.Fprintf(w, "exists:        %t\n", meta.Exists)
	if !meta.Exists {
		return
	}
	fmt.Fprintf(w, "size:          %d\n", meta.ContentLength)
	if !meta.LastModified.IsZero() {
		fmt.Fprintf(w, "last modified: %s\n", meta.LastModified.UTC().Format(time.RFC3339))
	}
}

func (c *cli) newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <source>",
		Short: "Write an artifact to standard output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, repo repository.Repository) error {
				stream, err := repo.OpenStream(ctx, args[0])
				if err != nil {
					return err
				}
				defer stream.Close()

				_, err = io.Copy(cmd.OutOrStdout(), stream)
				return err
			})
		},
	}
}

func (c *cli) newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <directory>",
		Short: "Create a remote directory and its missing parents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, repo repository.Repository) error {
				return repo.EnsureRemoteDirectory(ctx, args[0])
			})
		},
	}
}

func (c *cli) newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a remote artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, repo repository.Repository) error {
				return repo.Delete(ctx, args[0])
			})
		},
	}
}
