package coverage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// profileVersion is bumped when the on-disk layout changes.
const profileVersion = 1

// profile is the on-disk coverage profile. It keeps raw counts so that
// profiles from separate runs can be merged and re-rendered in any format.
type profile struct {
	Version int                    `json:"version"`
	Files   map[string]profileFile `json:"files"`
}

type profileFile struct {
	Lines     map[string]int             `json:"lines"`
	Branches  []profileBranch            `json:"branches,omitempty"`
	Functions map[string]profileFunction `json:"functions,omitempty"`
}

type profileBranch struct {
	Line     int `json:"line"`
	Taken    int `json:"taken"`
	NotTaken int `json:"not_taken"`
}

type profileFunction struct {
	Line int `json:"line"`
	Hits int `json:"hits"`
}

// WriteProfile saves report to path. With merge set, counts already stored
// at path are added in first, so concurrent or successive test processes can
// share one profile. Access is serialized through a lock file next to path.
func WriteProfile(path string, report *Report, merge bool) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create profile directory: %w", err)
		}
	}

	fileLock := flock.New(path + ".lock")
	if err := fileLock.Lock(); err != nil {
		return fmt.Errorf("acquire profile lock: %w", err)
	}
	defer func() { _ = fileLock.Unlock() }()

	out := report
	if merge {
		prev, err := ReadProfile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return err
		default:
			prev.Merge(report)
			out = prev
		}
	}

	data, err := json.MarshalIndent(toProfile(out), "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}

// ReadProfile loads a profile written by WriteProfile.
func ReadProfile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.Version != profileVersion {
		return nil, fmt.Errorf("profile %s: unsupported version %d", path, p.Version)
	}

	r := NewReport()
	for file, pf := range p.Files {
		fc := r.AddFile(file)
		for key, hits := range pf.Lines {
			line, err := strconv.Atoi(key)
			if err != nil {
				return nil, fmt.Errorf("profile %s: bad line %q in %s", path, key, file)
			}
			fc.Lines.Hits[line] = hits
		}
		for _, b := range pf.Branches {
			fc.Branches = append(fc.Branches, &BranchCoverage{Line: b.Line, Taken: b.Taken, NotTaken: b.NotTaken})
		}
		for name, fn := range pf.Functions {
			fc.Functions[name] = &FunctionCoverage{Name: name, StartLine: fn.Line, Hits: fn.Hits}
		}
	}
	r.Compute()
	return r, nil
}

func toProfile(r *Report) profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := profile{Version: profileVersion, Files: make(map[string]profileFile, len(r.Files))}
	for file, fc := range r.Files {
		pf := profileFile{
			Lines:     make(map[string]int, len(fc.Lines.Hits)),
			Functions: make(map[string]profileFunction, len(fc.Functions)),
		}
		for line, hits := range fc.Lines.Hits {
			pf.Lines[strconv.Itoa(line)] = hits
		}
		for _, b := range fc.Branches {
			pf.Branches = append(pf.Branches, profileBranch{Line: b.Line, Taken: b.Taken, NotTaken: b.NotTaken})
		}
		for name, fn := range fc.Functions {
			pf.Functions[name] = profileFunction{Line: fn.StartLine, Hits: fn.Hits}
		}
		p.Files[file] = pf
	}
	return p
}
