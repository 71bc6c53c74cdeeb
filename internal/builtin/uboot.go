package builtin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shinji-kodama/tbot/internal/machine"
	"github.com/shinji-kodama/tbot/internal/testcase"
)

// defaultUBootRepo is the upstream repository; the generated document
// points readers at it when the lab uses a mirror.
const defaultUBootRepo = "git://git.denx.de/u-boot.git"

// buildUBoot checks out U-Boot, applies the board patches and builds it
// with the board's toolchain and defconfig.
func buildUBoot(tb *testcase.TB, _ testcase.Params) (any, error) {
	if err := requireEnv(tb, "build_uboot"); err != nil {
		return nil, err
	}
	cfg := tb.Config()

	tb.Doc("\nBuild the u-boot bootloader using the following instructions:\n")

	buildDir := cfg.UBootBuildDir()
	patchdir := cfg.StringOr("uboot.patchdir", "")
	repo, err := configString(tb, "uboot.repository")
	if err != nil {
		return nil, err
	}

	var doc strings.Builder
	doc.WriteString("In this document, we assume the following file locations:\n\n")
	fmt.Fprintf(&doc, "* The build directory is `%s`\n", buildDir)
	fmt.Fprintf(&doc, "* The u-boot repository is `%s`\n", repo)
	if repo != defaultUBootRepo {
		fmt.Fprintf(&doc, "(For you it will most likely be `%s`)\n", defaultUBootRepo)
	}
	if patchdir != "" {
		fmt.Fprintf(&doc, "* Board specific patches can be found in `%s`\n", patchdir)
	}
	tb.Doc(doc.String())

	toolchain, err := callString(tb, "toolchain_get", nil)
	if err != nil {
		return nil, err
	}
	defconfig, err := configString(tb, "board.defconfig")
	if err != nil {
		return nil, err
	}
	build, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	tb.Doc(fmt.Sprintf("\nWe are using the `%s` toolchain and will compile\nuboot using the `%s` defconfig.\n", toolchain, defconfig))

	if _, err := tb.Call("clean_repo_checkout", testcase.Params{"repo": repo, "target": buildDir}); err != nil {
		return nil, err
	}
	if patchdir != "" {
		if _, err := tb.Call("apply_git_patches", testcase.Params{"gitdir": buildDir, "patchdir": patchdir}); err != nil {
			return nil, err
		}
	}

	ctx := tb.Context()
	_, err = tb.CallThen("toolchain_env", testcase.Params{"toolchain": toolchain}, func(bh machine.Machine) error {
		tb.Doc("\nPrepare the buildprocess by doing\n")
		for _, cmd := range []string{
			machine.Quote("cd", buildDir),
			"make mrproper",
			machine.Quote("make", defconfig),
		} {
			if _, err := machine.Exec0(ctx, bh, cmd); err != nil {
				return err
			}
		}

		_, err := tb.CallFunc("compile", func(tb *testcase.TB, _ testcase.Params) (any, error) {
			tb.Doc("\nAnd start the actual compilation using\n")
			return machine.Exec0(ctx, bh, "make -j"+strconv.Itoa(build.Jobs)+" all")
		}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buildDir, nil
}

// checkUBootVersion checks that the U-Boot running on the board is the
// one in uboot_bin: the first line of the board's "version" output must
// appear among the binary's U-Boot strings.
//
// Params: uboot_bin (default "{builddir}/u-boot.bin"); "{builddir}" is
// replaced with the U-Boot build directory.
func checkUBootVersion(tb *testcase.TB, p testcase.Params) (any, error) {
	bin := p.String("uboot_bin", "{builddir}/u-boot.bin")
	bin = strings.ReplaceAll(bin, "{builddir}", tb.Config().UBootBuildDir())

	ctx := tb.Context()
	err := tb.WithBoardShell(func(bs machine.Machine) error {
		binStrings, err := machine.Exec0(ctx, tb.Lab(), machine.Quote("strings", bin)+" | grep U-Boot")
		if err != nil {
			return err
		}
		out, err := machine.Exec0(ctx, bs, "version")
		if err != nil {
			return err
		}
		version, _, _ := strings.Cut(out, "\n")
		version = strings.TrimSpace(version)
		if version == "" || !strings.Contains(binStrings, version) {
			return fmt.Errorf("U-Boot version does not seem to match: board runs %q, not found in %s", version, bin)
		}
		return nil
	})
	return nil, err
}
