package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/pagestore"
)

var putCmd = &cobra.Command{
	Use:   "put <page> <key> [value]",
	Short: "Write a key",
	Long:  "Commit a single key to a page. The value is read from stdin when omitted.",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runPut,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <page> <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(putCmd, deleteCmd)
}

func runPut(cmd *cobra.Command, args []string) error {
	var value []byte
	if len(args) == 3 {
		value = []byte(args[2])
	} else {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		value = b
	}
	return commitOne(args[0], func(ctx context.Context, j *pagestore.Journal) error {
		return j.Put(ctx, []byte(args[1]), value)
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return commitOne(args[0], func(ctx context.Context, j *pagestore.Journal) error {
		return j.Delete(ctx, []byte(args[1]))
	})
}

func commitOne(pageArg string, edit func(context.Context, *pagestore.Journal) error) (err error) {
	ctx := context.Background()
	id, err := pagestore.ParsePageID(pageArg)
	if err != nil {
		return fmt.Errorf("page id: %w", err)
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	p, err := st.Page(ctx, id)
	if err != nil {
		return err
	}
	j, err := p.StartCommit(ctx)
	if err != nil {
		return err
	}
	if err := edit(ctx, j); err != nil {
		j.Rollback()
		return err
	}
	c, err := j.Commit(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Committed %s\n", c.ID.Short())
	return nil
}
