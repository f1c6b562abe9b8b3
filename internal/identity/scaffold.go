package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ScaffoldResult reports what ScaffoldWorkspace did per file.
type ScaffoldResult struct {
	Created []string
	Skipped []string
	Errors  []string
}

// ScaffoldWorkspace writes the default prompt files into dir. Existing files
// are kept unless force is set.
func ScaffoldWorkspace(dir string, force bool) (*ScaffoldResult, error) {
	if dir == "" {
		return nil, errors.New("workspace path is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	res := &ScaffoldResult{}
	for _, name := range TemplateNames {
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil && !force {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		data, err := Template(name)
		if err == nil {
			err = os.WriteFile(dst, data, 0o644)
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		res.Created = append(res.Created, name)
	}
	return res, nil
}
