package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"bundler/internal/config"
	"bundler/internal/fsutil"
	"bundler/internal/keys"
	"bundler/internal/matches"
)

// workspace is everything a job reads from disk before reconstruction.
type workspace struct {
	images []keys.Image
	store  *keys.Store
	table  *matches.Table // nil unless matches were requested
}

type loadFunc func(ctx context.Context, opts config.Options, withMatches bool, log *slog.Logger) (*workspace, error)

// loadWorkspace reads the image list, the ignore file and, when asked,
// the match table.
func loadWorkspace(ctx context.Context, opts config.Options, withMatches bool, log *slog.Logger) (*workspace, error) {
	p := opts.Paths
	images, err := keys.ReadListFile(p.ImageList, p.ImageDir, p.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("image list: %w", err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("image list %s is empty", p.ImageList)
	}
	if p.IgnoreFile != "" {
		f, err := os.Open(p.IgnoreFile)
		if err != nil {
			return nil, fmt.Errorf("ignore file: %w", err)
		}
		bad, err := keys.ReadIgnoreFile(f, images)
		f.Close()
		if err != nil {
			return nil, err
		}
		if len(bad) > 0 {
			log.Warn("ignore file names unknown images", "indexes", bad)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ws := &workspace{images: images}
	if !withMatches {
		ws.store = keys.NewStore(images, keys.WithLogger(log))
		return ws, nil
	}

	keyFiles := make([]string, 0, len(images))
	for _, im := range images {
		if path := keys.ResolveKeyPath(im); path != "" {
			keyFiles = append(keyFiles, path)
		}
	}
	keep := fsutil.ShouldKeepKeys(opts.Matching.KeepKeys, keyFiles, log)
	ws.store = keys.NewStore(images, keys.WithKeep(keep), keys.WithLogger(log))

	ws.table, _, err = matches.Load(matches.LoadOptions{
		NumImages:   len(images),
		TableFile:   p.MatchTable,
		IndexDir:    p.MatchIndexDir,
		Dir:         p.MatchDir,
		MinMatches:  opts.Matching.MinMatches,
		KeepDoubles: !opts.Matching.PruneDouble,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("matches: %w", err)
	}
	return ws, nil
}
