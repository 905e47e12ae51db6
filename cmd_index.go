package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vaultsync/config"
	"vaultsync/crypto"
	"vaultsync/folder"
	"vaultsync/indexer"
	"vaultsync/logging"
	"vaultsync/meta"
	"vaultsync/storage"
)

var indexRoot string

func init() {
	indexCmd.Flags().StringVar(&indexRoot, "root", "", "directory to index, overrides the folder's configured root")
}

var indexCmd = &cobra.Command{
	Use:   "index <folder>",
	Short: "publish new revisions for every file under the folder root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logging.Sync() }()
		logger := logging.L()

		folderCfg, ok := cfg.FindFolder(args[0])
		if !ok {
			return fmt.Errorf("unknown folder %q", args[0])
		}
		root := folderCfg.Root
		if indexRoot != "" {
			root = indexRoot
		}
		if root == "" {
			return errors.New("folder has no root; pass --root")
		}

		secret, err := crypto.ParseSecret(folderCfg.Secret)
		if err != nil {
			return err
		}
		identity, err := secret.Identity()
		if err != nil {
			return err
		}

		store, _, err := storage.Open(config.FolderDataDir(resolvedDataDir(cfgPath), identity.IDHex()))
		if err != nil {
			return err
		}
		defer store.Close()

		group, err := folder.NewGroup(folder.Options{Identity: identity, Store: store, Logger: logger})
		if err != nil {
			return err
		}
		defer group.Close()

		ix, err := indexer.New(indexer.Config{Identity: identity, Chunks: group, Metas: group, Logger: logger})
		if err != nil {
			return err
		}

		summary, err := indexTree(ix, identity, store, root, time.Now().UnixNano(), logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d files, %d deletions\n", summary.files, summary.deleted)
		return nil
	},
}

type indexSummary struct {
	files   int
	deleted int
}

// indexTree indexes every regular file under root and publishes tombstones
// for stored paths that no longer exist.
func indexTree(ix *indexer.Indexer, identity *crypto.FolderIdentity, store *storage.Store, root string, revision int64, logger *zap.Logger) (indexSummary, error) {
	var summary indexSummary
	seen := make(map[string]struct{})

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, err := ix.IndexFile(root, rel, revision); err != nil {
			return err
		}
		seen[rel] = struct{}{}
		summary.files++
		return nil
	})
	if err != nil {
		return summary, err
	}

	stored, err := store.ListMeta()
	if err != nil {
		return summary, err
	}
	for _, smeta := range stored {
		m := smeta.Meta()
		if m.Kind == meta.KindDeleted || m.Revision >= revision {
			continue
		}
		path, err := indexer.DecryptPath(identity, m)
		if err != nil {
			logger.Warn("skip undecryptable path", zap.Error(err))
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		if _, err := ix.IndexDeleted(path, revision); err != nil {
			return summary, err
		}
		summary.deleted++
	}
	return summary, nil
}
