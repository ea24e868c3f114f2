/*
	Parallel analysis of new inputs.  Each file is localized through the
	arbiter and read for bounds, point count, and schema; failures land in
	the item's error list rather than aborting, so one bad path does not
	stall an ingest of thousands.
*/

package manifest

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/XueSongTap/entwine/entwine"
	"github.com/XueSongTap/entwine/reader"
)

// Analyze reads source info for each input in parallel and returns the
// resulting manifest items in input order.
func Analyze(inputs []string, template reader.Pipeline, deep bool, localize func(string) (string, func(), error), threads int) Manifest {
	items := make(Manifest, len(inputs))
	var mu sync.Mutex
	var group errgroup.Group
	if threads < 1 {
		threads = 1
	}
	group.SetLimit(threads)

	for i, path := range inputs {
		i, path := i, path
		items[i] = BuildItem{Path: path}
		group.Go(func() error {
			info, err := analyzeOne(path, template, deep, localize)
			mu.Lock()
			items[i].Info = info
			mu.Unlock()
			if err != nil {
				entwine.Errorf("Failed to analyze %s: %v", path, err)
			}
			return nil
		})
	}
	group.Wait()
	return items
}

func analyzeOne(path string, template reader.Pipeline, deep bool, localize func(string) (string, func(), error)) (SourceInfo, error) {
	local, release, err := localize(path)
	if err != nil {
		return SourceInfo{Errors: []string{err.Error()}}, err
	}
	defer release()

	info, err := reader.Analyze(local, template, deep)
	if err != nil {
		return SourceInfo{Errors: []string{err.Error()}}, err
	}
	return SourceInfo{
		Bounds:   info.Bounds,
		Points:   info.Points,
		Schema:   info.Schema,
		SRS:      info.SRS,
		Pipeline: template.Clone(),
	}, nil
}
