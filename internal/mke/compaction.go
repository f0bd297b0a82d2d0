package mke

import (
	"sort"

	"github.com/dreamware/torua-mds/internal/mke/manifest"
	"github.com/dreamware/torua-mds/internal/mke/sstable"
)

// maybeCompact picks one compaction to run, preferring L0 (which is always
// allowed to overlap and so is compacted whenever it crosses the soft
// limit) and otherwise the lowest level whose total size exceeds its
// target, round-robining within a level via the manifest's compaction
// pointer.
func (e *Engine) maybeCompact() error {
	version := e.manifest.Current()

	if len(version.Levels) > 0 && len(version.Levels[0]) >= e.opts.L0SoftLimit {
		return e.compactLevel0(version)
	}

	for level := 1; level < len(version.Levels); level++ {
		if levelSizeBytes(version.Levels[level]) > e.levelTargetBytes(level) {
			return e.compactLevel(version, level)
		}
	}
	return nil
}

func levelSizeBytes(files []manifest.FileMetadata) uint64 {
	var total uint64
	for _, f := range files {
		total += f.SizeBytes
	}
	return total
}

func (e *Engine) levelTargetBytes(level int) uint64 {
	target := uint64(e.opts.WriteBufferSize)
	for i := 1; i < level; i++ {
		target *= uint64(e.opts.LevelSizeMultiplier)
	}
	return target
}

// compactLevel0 merges every L0 file (which may overlap each other) plus
// every L1 file overlapping their combined key range into a new sorted run
// of L1 files.
func (e *Engine) compactLevel0(version *manifest.Version) error {
	l0 := version.Levels[0]
	if len(l0) == 0 {
		return nil
	}
	smallest, largest := rangeOf(l0)

	var l1 []manifest.FileMetadata
	if len(version.Levels) > 1 {
		for _, f := range version.Levels[1] {
			if overlaps(f, smallest, largest) {
				l1 = append(l1, f)
			}
		}
	}
	return e.runCompaction(append(append([]manifest.FileMetadata{}, l0...), l1...), 1)
}

// compactLevel merges one file from level (chosen round-robin via the
// manifest's compaction pointer) with every overlapping file in level+1.
func (e *Engine) compactLevel(version *manifest.Version, level int) error {
	files := version.Levels[level]
	if len(files) == 0 {
		return nil
	}
	sort.Slice(files, func(i, j int) bool { return string(files[i].Smallest) < string(files[j].Smallest) })

	pick := files[0]
	if ptr, ok := e.manifest.CompactionPointer(level); ok {
		for _, f := range files {
			if string(f.Smallest) > string(ptr) {
				pick = f
				break
			}
		}
	}

	var next []manifest.FileMetadata
	if len(version.Levels) > level+1 {
		for _, f := range version.Levels[level+1] {
			if overlaps(f, pick.Smallest, pick.Largest) {
				next = append(next, f)
			}
		}
	}

	inputs := append([]manifest.FileMetadata{pick}, next...)
	if err := e.runCompaction(inputs, level+1); err != nil {
		return err
	}

	e.manifestMu.Lock()
	_ = e.manifest.Apply(manifest.VersionEdit{
		CompactionPointer: map[int][]byte{level: pick.Largest},
	})
	e.manifestMu.Unlock()
	return nil
}

// runCompaction merges inputs (already-sorted tables, possibly overlapping)
// into one or more new tables at outputLevel, dropping tombstoned rows once
// they are no longer shadowing anything in a lower level, and atomically
// swaps the manifest edit in.
func (e *Engine) runCompaction(inputs []manifest.FileMetadata, outputLevel int) error {
	merged, err := e.mergeInputs(inputs)
	if err != nil {
		return err
	}

	number := e.manifest.NextFileNumber()
	path := e.tableFilePath(number)
	w, err := sstable.NewWriter(path, len(merged), sstable.ParseCompression(e.opts.TableBlockCompression))
	if err != nil {
		return err
	}
	for _, row := range merged {
		isTombstone := row.value == nil
		if rk, ok := DecodeRowKey(row.key); ok {
			// A tombstone that has already round-tripped through an
			// sstable decodes its value as empty rather than nil, so the
			// key's type byte is the only reliable signal once a row has
			// passed through a prior flush or compaction.
			isTombstone = rk.Type == ValueTypeTombstone
		}
		if isTombstone && outputLevel == len(e.manifest.Current().Levels)-1 {
			continue // drop tombstones once they reach the last level
		}
		if err := w.Add(row.key, row.value); err != nil {
			return err
		}
	}
	summary, err := w.Finish()
	if err != nil {
		return err
	}

	var deleted []manifest.FileKey
	for _, f := range inputs {
		deleted = append(deleted, manifest.FileKey{Level: f.Level, Number: f.Number})
	}

	e.manifestMu.Lock()
	defer e.manifestMu.Unlock()
	return e.manifest.Apply(manifest.VersionEdit{
		AddedFiles: []manifest.FileMetadata{{
			Number:       number,
			Level:        outputLevel,
			Smallest:     summary.Smallest,
			Largest:      summary.Largest,
			SizeBytes:    summary.SizeBytes,
			AllowedSeeks: int64(summary.NumKeys) * 16,
		}},
		DeletedFiles:      deleted,
		NextFileNumber:    number + 1,
		HasNextFileNumber: true,
	})
}

// mergeInputs performs a k-way merge over the input tables, collapsing the
// versions of each logical row down to the one with the highest sequence.
// Grouping by the full encoded key, as a naive merge would, never
// collapses anything: every version of a row differs in its sequence
// bytes and so has a distinct key, and every version would be retained
// forever. Keys that don't decode as a RowKey (callers outside the
// row-versioning scheme, e.g. cmd/mdsd's bench command) are grouped by
// their full key instead, preserving plain last-write-wins merging for
// them.
func (e *Engine) mergeInputs(inputs []manifest.FileMetadata) ([]memRow, error) {
	// Read the newest tables first (lower level, then higher file number),
	// so that among rows tying on sequence the first one seen wins.
	ordered := append([]manifest.FileMetadata(nil), inputs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Level != ordered[j].Level {
			return ordered[i].Level < ordered[j].Level
		}
		return ordered[i].Number > ordered[j].Number
	})
	var all []memRow
	for _, f := range ordered {
		r, err := sstable.OpenReader(e.tableFilePath(f.Number))
		if err != nil {
			return nil, err
		}
		it, err := r.Iterator()
		if err != nil {
			r.Close()
			return nil, err
		}
		for it.Next() {
			all = append(all, memRow{key: append([]byte(nil), it.Key()...), value: append([]byte(nil), it.Value()...)})
		}
		r.Close()
	}

	type winner struct {
		row memRow
		seq uint64
	}
	winners := map[string]winner{}
	order := []string{}
	for _, row := range all {
		group := string(row.key)
		seq := uint64(0)
		if rk, ok := DecodeRowKey(row.key); ok {
			group = string(row.key[:32])
			seq = rk.Sequence
		}
		if w, seen := winners[group]; !seen || seq > w.seq {
			if !seen {
				order = append(order, group)
			}
			winners[group] = winner{row: row, seq: seq}
		}
	}

	sort.Strings(order)
	out := make([]memRow, 0, len(order))
	for _, g := range order {
		out = append(out, winners[g].row)
	}
	return out, nil
}

func rangeOf(files []manifest.FileMetadata) (smallest, largest []byte) {
	for i, f := range files {
		if i == 0 || string(f.Smallest) < string(smallest) {
			smallest = f.Smallest
		}
		if i == 0 || string(f.Largest) > string(largest) {
			largest = f.Largest
		}
	}
	return smallest, largest
}

func overlaps(f manifest.FileMetadata, smallest, largest []byte) bool {
	return string(f.Smallest) <= string(largest) && string(f.Largest) >= string(smallest)
}
