// Package main provides the dagfs CLI entry point: a thin exerciser over
// internal/fs for manual inspection of a repository, not a production
// server.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dagfs/core/internal/fs"
	"github.com/dagfs/core/internal/ids"
	"github.com/dagfs/core/internal/kv"
	"github.com/dagfs/core/internal/trail"
	"github.com/dagfs/core/pkg/config"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dagfs",
		Short: "dagfs - a content-addressed, transactional versioned filesystem core",
	}
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dagfs v%s\n", version)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new repository",
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	commitDemoCmd := &cobra.Command{
		Use:   "commit-demo [path] [contents]",
		Short: "Begin a transaction, write one file, and commit it",
		Args:  cobra.ExactArgs(2),
		RunE:  runCommitDemo,
	}
	rootCmd.AddCommand(commitDemoCmd)

	catCmd := &cobra.Command{
		Use:   "cat [rev] [path]",
		Short: "Print a file's contents as of a revision",
		Args:  cobra.ExactArgs(2),
		RunE:  runCat,
	}
	rootCmd.AddCommand(catCmd)

	logCmd := &cobra.Command{
		Use:   "log [rev] [path]",
		Short: "Print a path's history, newest to oldest",
		Args:  cobra.ExactArgs(2),
		RunE:  runLog,
	}
	logCmd.Flags().Bool("cross-copies", false, "follow history across copy operations")
	rootCmd.AddCommand(logCmd)

	lockCmd := &cobra.Command{
		Use:   "lock [rev] [path]",
		Short: "Lock a file",
		Args:  cobra.ExactArgs(2),
		RunE:  runLock,
	}
	lockCmd.Flags().String("owner", os.Getenv("USER"), "lock owner")
	lockCmd.Flags().String("comment", "", "lock comment")
	lockCmd.Flags().Duration("expires", 0, "expiration, 0 for never")
	rootCmd.AddCommand(lockCmd)

	unlockCmd := &cobra.Command{
		Use:   "unlock [path] [token]",
		Short: "Release a file's lock",
		Args:  cobra.ExactArgs(2),
		RunE:  runUnlock,
	}
	unlockCmd.Flags().Bool("break", false, "break the lock without presenting its token")
	rootCmd.AddCommand(unlockCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openRepo(cmd *cobra.Command) (*kv.DB, *fs.FS, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	cfg := config.LoadFromEnv(nil)
	if dataDir != "" {
		cfg.Store.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	db, err := kv.Open(kv.Options{DataDir: cfg.Store.DataDir, InMemory: cfg.Store.InMemory, SyncWrites: cfg.Store.SyncWrites})
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	f, err := fs.Open(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, f, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	db, f, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	defer f.Close()

	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		return f.Create(tr, time.Now().UTC().Format(time.RFC3339))
	})
	if err != nil {
		return err
	}
	log.Printf("initialized repository")
	return nil
}

func runCommitDemo(cmd *cobra.Command, args []string) error {
	path, contents := args[0], args[1]
	db, f, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	defer f.Close()

	var rev ids.Revision
	err = trail.RetryTxn(db, func(tr *trail.Trail) error {
		baseRev, err := f.YoungestRev(tr)
		if err != nil {
			return err
		}
		txn, err := f.BeginTxn(tr, baseRev)
		if err != nil {
			return err
		}
		root, err := f.TxnRoot(tr, txn)
		if err != nil {
			return err
		}
		if _, checkErr := f.CheckPath(tr, root, path); checkErr != nil {
			if _, mkErr := f.MakeFile(tr, txn, path, "", nil); mkErr != nil {
				return mkErr
			}
		}
		if err := f.ApplyText(tr, txn, path, []byte(contents), nil, "", nil); err != nil {
			return err
		}
		rev, err = f.CommitTxn(tr, txn)
		return err
	})
	if err != nil {
		return err
	}
	log.Printf("committed revision %d", rev)
	return nil
}

func runCat(cmd *cobra.Command, args []string) error {
	rev, path := args[0], args[1]
	revNum, err := parseRev(rev)
	if err != nil {
		return err
	}
	db, f, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	defer f.Close()

	return trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := f.RevisionRoot(tr, revNum)
		if err != nil {
			return err
		}
		nodeID, err := f.NodeID(tr, root, path)
		if err != nil {
			return err
		}
		contents, err := f.FileContents(tr, nodeID)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(contents)
		return err
	})
}

func runLog(cmd *cobra.Command, args []string) error {
	rev, path := args[0], args[1]
	revNum, err := parseRev(rev)
	if err != nil {
		return err
	}
	crossCopies, _ := cmd.Flags().GetBool("cross-copies")

	db, f, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	defer f.Close()

	return trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := f.RevisionRoot(tr, revNum)
		if err != nil {
			return err
		}
		h := f.NodeHistory(root, path, crossCopies)
		for {
			loc, err := h.Prev(tr)
			if err != nil {
				return nil
			}
			fmt.Printf("r%d  %s\n", loc.Rev, loc.Path)
		}
	})
}

func runLock(cmd *cobra.Command, args []string) error {
	rev, path := args[0], args[1]
	revNum, err := parseRev(rev)
	if err != nil {
		return err
	}
	owner, _ := cmd.Flags().GetString("owner")
	comment, _ := cmd.Flags().GetString("comment")
	expires, _ := cmd.Flags().GetDuration("expires")

	db, f, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	defer f.Close()

	var expiration time.Time
	if expires > 0 {
		expiration = time.Now().Add(expires)
	}

	return trail.RetryTxn(db, func(tr *trail.Trail) error {
		root, err := f.RevisionRoot(tr, revNum)
		if err != nil {
			return err
		}
		lock, err := f.Lock(tr, root, path, "", owner, comment, expiration, false)
		if err != nil {
			return err
		}
		fmt.Println(lock.Token)
		return nil
	})
}

func runUnlock(cmd *cobra.Command, args []string) error {
	path, token := args[0], args[1]
	brk, _ := cmd.Flags().GetBool("break")

	db, f, err := openRepo(cmd)
	if err != nil {
		return err
	}
	defer db.Close()
	defer f.Close()

	return trail.RetryTxn(db, func(tr *trail.Trail) error {
		return f.Unlock(tr, path, ids.LockToken(token), brk)
	})
}

func parseRev(s string) (ids.Revision, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid revision %q: %w", s, err)
	}
	return ids.Revision(n), nil
}
