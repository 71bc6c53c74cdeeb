package builtin

import (
	"errors"
	"sort"
	"strings"

	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/testcase"
)

// cleanRepoCheckout makes target a pristine checkout of repo on the build
// host: it clones when target is missing and otherwise resets to the
// remote branch and removes untracked files.
//
// Params: repo, target (required), branch (default uboot.branch or master).
// Returns the target directory.
func cleanRepoCheckout(tb *testcase.TB, p testcase.Params) (any, error) {
	repo := p.String("repo", "")
	target := p.String("target", "")
	if repo == "" || target == "" {
		return nil, errors.New("clean_repo_checkout needs repo and target")
	}
	branch := p.String("branch", tb.Config().StringOr("uboot.branch", "master"))

	ctx := tb.Context()
	bh := tb.Build()

	res, err := machine.ExecArgs(ctx, bh, "test", "-d", target+"/.git")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		if _, err := machine.Exec0Args(ctx, bh, "git", "clone", "--branch", branch, repo, target); err != nil {
			return nil, err
		}
		return target, nil
	}

	for _, args := range [][]string{
		{"git", "-C", target, "fetch", "origin"},
		{"git", "-C", target, "reset", "--hard", "origin/" + branch},
		{"git", "-C", target, "clean", "-fdx"},
	} {
		if _, err := machine.Exec0Args(ctx, bh, args...); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// applyGitPatches applies every *.patch file in patchdir to the checkout
// in gitdir, in lexical order, with git am.
//
// Params: gitdir, patchdir (both required). Returns the number of patches.
func applyGitPatches(tb *testcase.TB, p testcase.Params) (any, error) {
	gitdir := p.String("gitdir", "")
	patchdir := p.String("patchdir", "")
	if gitdir == "" || patchdir == "" {
		return nil, errors.New("apply_git_patches needs gitdir and patchdir")
	}

	ctx := tb.Context()
	bh := tb.Build()

	out, err := machine.Exec0Args(ctx, bh, "find", patchdir, "-maxdepth", "1", "-name", "*.patch", "-type", "f")
	if err != nil {
		return nil, err
	}
	var patches []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			patches = append(patches, line)
		}
	}
	sort.Strings(patches)

	if len(patches) > 0 {
		tb.Doc("Apply the board specific patches:\n")
	}
	for _, patch := range patches {
		if _, err := machine.Exec0Args(ctx, bh, "git", "-C", gitdir, "am", "-3", patch); err != nil {
			// Leave the tree usable for the next run.
			_, _ = machine.ExecArgs(ctx, bh, "git", "-C", gitdir, "am", "--abort")
			return nil, err
		}
	}
	return len(patches), nil
}
