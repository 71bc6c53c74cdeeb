package builtin

import (
	"errors"
	"path"

	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/testcase"
)

// tftpDir returns <tftp.rootdir>/<tftp.boarddir>/<tftp.tbotsubdir>.
func tftpDir(tb *testcase.TB) (string, error) {
	parts := make([]string, 0, 3)
	for _, key := range []string{"tftp.rootdir", "tftp.boarddir", "tftp.tbotsubdir"} {
		s, err := configString(tb, key)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return path.Join(parts...), nil
}

// setupTftpdir creates the tftp directory of the board on the lab host
// and returns its path.
func setupTftpdir(tb *testcase.TB, _ testcase.Params) (any, error) {
	dir, err := tftpDir(tb)
	if err != nil {
		return nil, err
	}
	if _, err := machine.Exec0Args(tb.Context(), tb.Lab(), "mkdir", "-p", dir); err != nil {
		return nil, err
	}
	return dir, nil
}

// cpToTftpdir copies a file into the tftp directory on the lab host.
//
// Params: name (required) is a file inside the U-Boot build directory, or
// a path when from_builddir is false; dest_name defaults to name.
// Returns the destination path.
func cpToTftpdir(tb *testcase.TB, p testcase.Params) (any, error) {
	name := p.String("name", "")
	if name == "" {
		return nil, errors.New("cp_to_tftpdir: trying to copy nothing (name is not set)")
	}

	dir, err := callString(tb, "setup_tftpdir", nil)
	if err != nil {
		return nil, err
	}

	src := name
	if p.Bool("from_builddir", true) {
		src = path.Join(tb.Config().UBootBuildDir(), name)
	}
	dest := path.Join(dir, p.String("dest_name", name))

	if _, err := machine.Exec0Args(tb.Context(), tb.Lab(), "cp", src, dest); err != nil {
		return nil, err
	}
	return dest, nil
}
