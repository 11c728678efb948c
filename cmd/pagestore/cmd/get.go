package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/aweris/pagestore"
)

var getCmd = &cobra.Command{
	Use:   "get <page> <key>",
	Short: "Read a key",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

var listCmd = &cobra.Command{
	Use:   "list [page]",
	Short: "List pages or the entries of a page",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(getCmd, listCmd)
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()
	id, err := pagestore.ParsePageID(args[0])
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
	v, err := p.Get(ctx, []byte(args[1]))
	if err != nil {
		return fmt.Errorf("%s: %w", pagestore.ToAppStatus(err, pagestore.AppKeyNotFound), err)
	}
	_, err = os.Stdout.Write(v)
	return err
}

func runList(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()
	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if len(args) == 0 {
		ids, err := st.Pages()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		if len(ids) == 0 {
			fmt.Println("(no pages)")
		}
		return nil
	}

	id, err := pagestore.ParsePageID(args[0])
	if err != nil {
		return fmt.Errorf("page id: %w", err)
	}
	p, err := st.Page(ctx, id)
	if err != nil {
		return err
	}
	entries, err := p.Entries(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s\t%d bytes\n", k, len(entries[k]))
	}
	if len(keys) == 0 {
		fmt.Println("(no entries)")
	}
	return nil
}
